package log

import (
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/satcat5/internal/config"
)

func newFileWriter(cfg config.FileOutputConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.Rotation.MaxSizeMB,  // megabytes
		MaxBackups: cfg.Rotation.MaxBackups, // number of backups
		MaxAge:     cfg.Rotation.MaxAgeDays, // days
		Compress:   cfg.Rotation.Compress,   // compress the backups
	}
}
