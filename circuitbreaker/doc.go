/*
Package circuitbreaker 提供按节点维护的熔断器。

状态机：

	closed --(连续失败达到阈值)--> open
	open --(冷却 retry_after 结束)--> half_open（只放行一次试探）
	half_open --(试探成功)--> closed（失败计数清零）
	half_open --(试探失败)--> open（retry_after 按指数增长，有上限）

Table 以节点 id 为索引集中保存熔断器，便于分片加锁与快照。
*/
package circuitbreaker
