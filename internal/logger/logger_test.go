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

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textTraceString = `^time="[0-9/: .]{26}" severity=TRACE message="TestLogs: www.traceExample.com"`
	textDebugString = `^time="[0-9/: .]{26}" severity=DEBUG message="TestLogs: www.debugExample.com"`
	textInfoString  = `^time="[0-9/: .]{26}" severity=INFO message="TestLogs: www.infoExample.com"`
	textWarnString  = `^time="[0-9/: .]{26}" severity=WARNING message="TestLogs: www.warningExample.com"`
	textErrorString = `^time="[0-9/: .]{26}" severity=ERROR message="TestLogs: www.errorExample.com"`
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func redirectLogsToGivenBuffer(buf *bytes.Buffer, severity string) {
	v := new(slog.LevelVar)
	setLoggingLevel(severity, v)
	defaultLoggerFactory.format = "text"
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(buf, v, "TestLogs: "))
}

func fetchOutputs(severity string) []string {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, severity)

	var out []string
	for _, f := range []func(){
		func() { Tracef("www.traceExample.com") },
		func() { Debugf("www.debugExample.com") },
		func() { Infof("www.infoExample.com") },
		func() { Warnf("www.warningExample.com") },
		func() { Errorf("www.errorExample.com") },
	} {
		f()
		out = append(out, buf.String())
		buf.Reset()
	}
	return out
}

func assertMatches(t *testing.T, expected []string, output []string) {
	for i := range output {
		if expected[i] == "" {
			assert.Equal(t, "", output[i])
			continue
		}
		assert.True(t, regexp.MustCompile(expected[i]).MatchString(output[i]), "line %d: %q", i, output[i])
	}
}

func (t *LoggerTest) TestLogLevelOff() {
	assertMatches(t.T(), []string{"", "", "", "", ""}, fetchOutputs(SeverityOff))
}

func (t *LoggerTest) TestLogLevelError() {
	assertMatches(t.T(), []string{"", "", "", "", textErrorString}, fetchOutputs(SeverityError))
}

func (t *LoggerTest) TestLogLevelWarning() {
	assertMatches(t.T(), []string{"", "", "", textWarnString, textErrorString}, fetchOutputs(SeverityWarn))
}

func (t *LoggerTest) TestLogLevelInfo() {
	assertMatches(t.T(), []string{"", "", textInfoString, textWarnString, textErrorString}, fetchOutputs(SeverityInfo))
}

func (t *LoggerTest) TestLogLevelDebug() {
	assertMatches(t.T(), []string{"", textDebugString, textInfoString, textWarnString, textErrorString}, fetchOutputs(SeverityDebug))
}

func (t *LoggerTest) TestLogLevelTrace() {
	assertMatches(t.T(), []string{textTraceString, textDebugString, textInfoString, textWarnString, textErrorString}, fetchOutputs(SeverityTrace))
}

func (t *LoggerTest) TestSetLoggingLevel() {
	cases := []struct {
		severity string
		want     slog.Level
	}{
		{SeverityTrace, LevelTrace},
		{SeverityDebug, LevelDebug},
		{SeverityWarn, LevelWarn},
		{SeverityError, LevelError},
		{SeverityOff, LevelOff},
	}
	for _, c := range cases {
		v := new(slog.LevelVar)
		setLoggingLevel(c.severity, v)
		assert.Equal(t.T(), c.want, v.Level())
	}
}
