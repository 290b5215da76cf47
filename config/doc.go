// Package config 提供 HiveCoord 的配置管理。
//
// 加载顺序：默认值 → YAML 文件 → HIVECOORD_ 前缀环境变量 → 校验。
// 运行时可通过 HotReloadManager 监听文件并热更新部分字段
// （日志级别、路由权重、限流），变更带版本号，可回滚。
package config
