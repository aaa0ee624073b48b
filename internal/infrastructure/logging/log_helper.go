package logging

import (
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

func logParamsToZapParams(keys map[ExtraKey]any) []any {
	params := make([]any, 0, len(keys)*2)

	for k, v := range keys {
		params = append(params, string(k))
		params = append(params, v)
	}

	return params
}

func logParamsToZeroParams(keys map[ExtraKey]any) map[string]any {
	params := map[string]any{}

	for k, v := range keys {
		params[string(k)] = v
	}

	return params
}

func withCategory(cat Category, sub SubCategory, extra map[ExtraKey]any) map[ExtraKey]any {
	out := make(map[ExtraKey]any, len(extra)+2)
	for k, v := range extra {
		out[k] = v
	}
	out["Category"] = cat
	out["SubCategory"] = sub
	return out
}

func rotatingFile(cfg *LoggerConfig) *lumberjack.Logger {
	name := cfg.AppName
	if name == "" {
		name = "ephemera"
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.FilePath, name+".log"),
		MaxSize:    10, // megabytes
		MaxAge:     14,
		MaxBackups: 5,
		LocalTime:  true,
		Compress:   true,
	}
}
