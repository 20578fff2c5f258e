// Copyright 2022 The gVisor Authors.
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

package log

import (
	"time"

	"golang.org/x/time/rate"
)

type rateLimitedLogger struct {
	// logger is the destination. Nil means the global logger at the time
	// of each call, so that SetTarget is honored.
	logger Logger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) target() Logger {
	if rl.logger == nil {
		return Log()
	}
	return rl.logger
}

// depthLogger is implemented by loggers that can attribute a message to a
// caller further up the stack.
type depthLogger interface {
	DebugfAtDepth(depth int, format string, v ...any)
	InfofAtDepth(depth int, format string, v ...any)
	WarningfAtDepth(depth int, format string, v ...any)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if !rl.limit.Allow() {
		return
	}
	if dl, ok := rl.target().(depthLogger); ok {
		dl.DebugfAtDepth(1, format, v...)
		return
	}
	rl.target().Debugf(format, v...)
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if !rl.limit.Allow() {
		return
	}
	if dl, ok := rl.target().(depthLogger); ok {
		dl.InfofAtDepth(1, format, v...)
		return
	}
	rl.target().Infof(format, v...)
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if !rl.limit.Allow() {
		return
	}
	if dl, ok := rl.target().(depthLogger); ok {
		dl.WarningfAtDepth(1, format, v...)
		return
	}
	rl.target().Warningf(format, v...)
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.target().IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return &rateLimitedLogger{
		limit: rate.NewLimiter(rate.Every(every), 1),
	}
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
