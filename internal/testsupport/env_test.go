package testsupport

import "testing"

func TestLoadConfigsFromEnv(t *testing.T) {
	t.Setenv("CLICKHOUSE_HOST", "click")
	t.Setenv("CLICKHOUSE_DB", "analytics")
	t.Setenv("CLICKHOUSE_PORT", "8123")

	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "2")

	ch := LoadClickHouseConfigFromEnv(t)
	if ch.Host != "click" || ch.Port != 8123 || ch.Database != "analytics" || ch.User != "default" {
		t.Fatalf("unexpected clickhouse config %+v", ch)
	}

	rd := LoadRedisConfigFromEnv(t)
	if rd.Host != "redis" || rd.Port != 6380 || rd.DB != 2 {
		t.Fatalf("unexpected redis config %+v", rd)
	}
}

func TestIntValueFallsBack(t *testing.T) {
	t.Setenv("SOME_PORT", "not-a-number")
	if got := intValue("SOME_PORT", 42); got != 42 {
		t.Fatalf("expected fallback, got %d", got)
	}
}
