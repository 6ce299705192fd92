package log_test

import (
	"testing"

	"github.com/ignatij/flowstream/internal/log"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestConfigure(t *testing.T) {
	defer log.Configure("INFO", "text")

	tests := []struct {
		level, format string
		wantLevel     logrus.Level
		wantJSON      bool
	}{
		{"DEBUG", "", logrus.DebugLevel, false},
		{"warn", "text", logrus.WarnLevel, false},
		{"ERROR", "json", logrus.ErrorLevel, true},
		{"", "JSON", logrus.InfoLevel, true},
		{"verbose", "xml", logrus.InfoLevel, false},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			log.Configure(tt.level, tt.format)
			logger := log.GetLogger()
			assert.Equal(t, tt.wantLevel, logger.GetLevel())
			_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
			assert.Equal(t, tt.wantJSON, isJSON)
		})
	}
}
