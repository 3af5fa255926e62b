// Copyright (c) QuantFlow Authors.
// Licensed under the MIT License.

// Package server 提供带优雅关闭的 HTTP 服务器管理器。
//
// 关闭顺序对正确性有要求：先停止接受新请求，等在飞请求排空，
// 再由调用方取消协调器上下文并等待 Worker 执行收尾（取消检查点
// 落盘）。Manager 只负责第一段，后两段在 cmd 层编排。
package server
