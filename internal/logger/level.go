// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import "log/slog"

// Custom severities. slog only ships Debug/Info/Warn/Error; TRACE sits below
// Debug and OFF sits above Error so that it never fires.
const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelWarn  slog.Level = slog.LevelWarn
	LevelError slog.Level = slog.LevelError
	LevelOff   slog.Level = 12
)

// Severity names accepted in Config.Severity.
const (
	SeverityTrace = "TRACE"
	SeverityDebug = "DEBUG"
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARNING"
	SeverityError = "ERROR"
	SeverityOff   = "OFF"
)

func levelFromSeverity(s string) slog.Level {
	switch s {
	case SeverityTrace:
		return LevelTrace
	case SeverityDebug:
		return LevelDebug
	case SeverityInfo:
		return LevelInfo
	case SeverityWarn:
		return LevelWarn
	case SeverityError:
		return LevelError
	case SeverityOff:
		return LevelOff
	default:
		return LevelInfo
	}
}

func setLoggingLevel(severity string, v *slog.LevelVar) {
	v.Set(levelFromSeverity(severity))
}

func levelString(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= LevelDebug:
		return "DEBUG"
	case l <= LevelInfo:
		return "INFO"
	case l <= LevelWarn:
		return "WARNING"
	default:
		return "ERROR"
	}
}
