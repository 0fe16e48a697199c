package db

import (
	"strings"
	"testing"

	"AirbandBridge/config"
)

func TestDSN(t *testing.T) {
	cfg := &config.Config{
		DBUser:     "bridge",
		DBPassword: "p@ss",
		DBHost:     "mysql.local",
		DBPort:     "3307",
		DBName:     "airband",
	}
	dsn := DSN(cfg)
	for _, want := range []string{"bridge:p@ss@tcp(mysql.local:3307)/airband", "parseTime=true", "charset=utf8mb4"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN() = %q, missing %q", dsn, want)
		}
	}
}
