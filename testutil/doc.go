// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 dagflow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext（自动注册 Cleanup）/ CancelledContext
  - 断言工具: AssertMessagesEqual
  - 数据工具: MustJSON

# 子包

  - testutil/mocks: MockProvider（llm.Provider 模拟），支持 Builder 模式、
    固定响应、流式分块、工具调用与按调用顺序注入错误

# 使用示例

	ctx := testutil.TestContext(t)
	provider := mocks.NewMockProvider().WithResponse("hello")
	resp, err := provider.Completion(ctx, req)
	require.NoError(t, err)
*/
package testutil
