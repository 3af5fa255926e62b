// Copyright (c) QuantFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供操作生命周期的 HTTP 表面：

	POST   /api/v1/operations                 启动操作
	GET    /api/v1/operations                 分页列表
	GET    /api/v1/operations/{id}            查询单个操作
	GET    /api/v1/operations/{id}/metrics    游标式指标日志
	GET    /api/v1/operations/{id}/stream     WebSocket 进度流
	POST   /api/v1/operations/{id}/resume     恢复（输家收到 409）
	DELETE /api/v1/operations/{id}            协作式取消
	GET    /api/v1/workers                    Worker 注册表
	GET    /health                            健康检查

所有响应使用统一信封 {success, data, error, timestamp}。
*/
package handlers
