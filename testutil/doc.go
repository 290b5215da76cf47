/*
Package testutil 提供 HiveCoord 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout，自动注册 Cleanup
  - 断言工具: AssertErrorCode 按 types.ErrorCode 比较
  - 异步断言: AssertEventuallyTrue 轮询等待条件满足；WaitForChannel
  - 时钟: FakeClock，可注入 registry、circuitbreaker、consensus 的 Now

# 子包

  - testutil/mocks: MockAuthority（外部权威）、MockValidator（负载校验），
    均支持 Builder 模式与错误注入
  - testutil/fixtures: 预置节点花名册与负载样例

# 使用示例

	ctx := testutil.TestContext(t)
	authority := mocks.NewMockAuthority().WithDecision(true, `"approve"`)
	decision, err := authority.Escalate(ctx, "round-1", "quorum unreachable")
	require.NoError(t, err)
*/
package testutil
