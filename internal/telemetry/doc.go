// Copyright (c) QuantFlow Authors.
// Licensed under the MIT License.

// Package telemetry 封装 OpenTelemetry SDK 初始化（仅链路追踪；
// 指标走 Prometheus 拉取，见 internal/metrics）。
package telemetry
