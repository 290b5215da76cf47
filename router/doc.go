/*
Package router 把负载路由到最合适的节点。

评分：

	score = 0.4·domain + 0.2·(1-load) + 0.2·reliability + 0.1·(1-latency) + 0.1·context

只有存活、未隔离且熔断器未打开的节点参与评分；同分时负载低者优先，再按 id。

策略由负载决定：独占负载用 cascade，critical 用 redundant，high 取前 k 个，
medium 取第一名，low 广播。Dispatcher 经 messaging 执行决策并把结果回馈给熔断器。
*/
package router
