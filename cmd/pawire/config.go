package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lisuiheng/pawire-go/core"
	"github.com/lisuiheng/pawire-go/logger"
	"github.com/spf13/viper"
)

// loadConfig 加载配置文件，未找到配置文件时使用默认值
func loadConfig(v *viper.Viper, configPath string) (core.Config, error) {
	v.SetConfigType("yaml")

	if configPath != "" {
		// 使用命令行指定的路径
		v.SetConfigFile(configPath)
	} else {
		// 默认多路径搜索
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pawire")
	}

	// 环境变量只覆盖已知的键，因此每个键都需要默认值
	v.SetDefault("audio.backend", "malgo")
	v.SetDefault("audio.input_device", "")
	v.SetDefault("audio.output_device", "")
	v.SetDefault("audio.buffer_depth", 0)
	v.SetDefault("audio.frame_duration", 10)
	v.SetDefault("audio.frames_per_block", 0)
	v.SetDefault("status.listen_addr", "")
	v.SetDefault("status.interval", "1s")
	v.SetDefault("start.retries", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputs", []string{"stderr"})

	v.SetEnvPrefix("PAWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return core.Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg core.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return core.Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// initLogger 初始化日志系统
func initLogger(v *viper.Viper, cfg core.Config) error {
	return logger.Init(loggerConfig(v, cfg))
}

func loggerConfig(v *viper.Viper, cfg core.Config) logger.Config {
	logCfg := logger.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: cfg.Logging.Outputs,
	}

	// 调试模式覆盖配置
	if v.GetBool("debug") {
		logCfg.Level = "debug"
		logCfg.Outputs = []string{"stdout"}
	}

	return logCfg
}
