package config

import "errors"

var (
	// ErrConfigNotFound 配置文件未找到
	ErrConfigNotFound = errors.New("config: file not found")
	// ErrConfigReadFailed 配置读取失败
	ErrConfigReadFailed = errors.New("config: read failed")
)
