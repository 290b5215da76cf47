// Package api 定义 HiveCoord HTTP 接口的请求与响应结构。
//
// 所有接口返回统一的 Response 信封：
//
//	{"success": true, "data": {...}, "timestamp": "..."}
//	{"success": false, "error": {"code": "NO_ELIGIBLE_TARGETS", "message": "..."}}
//
// 路由：
//   - POST /api/v1/route            路由决策
//   - POST /api/v1/route/deliver    路由并投递
//   - POST /api/v1/proposals        发起共识提案
//   - GET  /api/v1/proposals/{id}   查询提案结果
//   - POST /api/v1/messages         点对点消息
//   - POST /api/v1/broadcast        广播
//   - GET  /api/v1/snapshot         健康与轮次快照
//
// 配置了 JWT 密钥时 /api 路由要求 Authorization: Bearer <token>。
package api
