// Copyright (c) QuantFlow Authors.
// Licensed under the MIT License.

// Package database 按配置打开 GORM 连接并管理连接池。
// 支持 sqlite（纯 Go 驱动，单机与测试）、postgres 与 mysql。
package database
