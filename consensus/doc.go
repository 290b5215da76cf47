/*
Package consensus 实现固定成员集合上的拜占庭容错共识。

Coordinator 为每个提案开启一个轮次（round），经历两个阶段：

  - prepare: 提案分发给全部健康节点，节点回复摘要（赞成）或 reject
  - commit: prepare 达到法定票数后广播 Certificate，节点据此投 commit 票

法定票数为 floor(2n/3)+1，n 为提案时的健康节点数；节点被隔离时显式重算。
同一槽位（slot）最多提交一个值。

轮次无法推进时依次尝试恢复：

 1. 视图变更：换下一位提案者，以新提案 ID 重开同一槽位，旧轮次以 SupersededBy 中止
 2. 紧急法定人数：剩余健康节点的简单多数
 3. 外部仲裁（types.Authority），未配置则中止

Detector 统计违规（矛盾投票、畸形或过期提案、签名错误、持续无响应），
达到阈值后通过注册表隔离节点。Replica 是节点侧的投票者，挂在 messaging.TopicMux 上。
*/
package consensus
