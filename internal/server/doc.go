/*
Package server 管理 HTTP 监听的生命周期：非阻塞启动、优雅关闭、
异步错误上报。

hivecoord 进程同时运行两个 Manager：api（协调接口、配置接口与
WebSocket 传输）和 metrics（Prometheus 抓取端点），cmd 在 ctx 结束
或任一 Errors() 收到错误后依次关闭。

  - Start：后台服务，端口写 0 时 Addr 返回实际地址
  - Errors：后台服务异常退出时收到一次错误
  - Shutdown：在 ShutdownTimeout 内排空请求，重复调用无副作用
*/
package server
