package config

import (
	"testing"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				App:          AppConfig{Name: "test-service"},
				Proxy:        ProxyConfig{ListenAddr: "0.0.0.0:50052"},
				Log:          LogConfig{Level: "info"},
				Kubernetes:   KubernetesConfig{Enable: true},
				CacheBackend: CacheBackendConfig{RedisReplicas: []RedisReplicaConfig{{Hostname: "redis-0", Port: 6379}}},
			},
			wantErr: false,
		},
		{
			name: "missing app name",
			cfg: Config{
				Proxy:        ProxyConfig{ListenAddr: "0.0.0.0:50052"},
				Log:          LogConfig{Level: "info"},
				Kubernetes:   KubernetesConfig{Enable: true},
				CacheBackend: CacheBackendConfig{RedisReplicas: []RedisReplicaConfig{{Hostname: "redis-0", Port: 6379}}},
			},
			wantErr: true,
		},
		{
			name: "missing listen addr",
			cfg: Config{
				App:          AppConfig{Name: "test"},
				Log:          LogConfig{Level: "info"},
				Kubernetes:   KubernetesConfig{Enable: true},
				CacheBackend: CacheBackendConfig{RedisReplicas: []RedisReplicaConfig{{Hostname: "redis-0", Port: 6379}}},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			cfg: Config{
				App:          AppConfig{Name: "test"},
				Proxy:        ProxyConfig{ListenAddr: "0.0.0.0:50052"},
				Log:          LogConfig{Level: "invalid"},
				Kubernetes:   KubernetesConfig{Enable: true},
				CacheBackend: CacheBackendConfig{RedisReplicas: []RedisReplicaConfig{{Hostname: "redis-0", Port: 6379}}},
			},
			wantErr: true,
		},
		{
			name: "valid debug level",
			cfg: Config{
				App:          AppConfig{Name: "test"},
				Proxy:        ProxyConfig{ListenAddr: "0.0.0.0:50052"},
				Log:          LogConfig{Level: "debug"},
				Kubernetes:   KubernetesConfig{Enable: true},
				CacheBackend: CacheBackendConfig{RedisReplicas: []RedisReplicaConfig{{Hostname: "redis-0", Port: 6379}}},
			},
			wantErr: false,
		},
		{
			name: "no redis shards and kubernetes disabled",
			cfg: Config{
				App:   AppConfig{Name: "test"},
				Proxy: ProxyConfig{ListenAddr: "0.0.0.0:50052"},
				Log:   LogConfig{Level: "info"},
			},
			wantErr: true,
		},
		{
			name: "kubernetes enabled alone is not enough, redis shards are still required",
			cfg: Config{
				App:        AppConfig{Name: "test"},
				Proxy:      ProxyConfig{ListenAddr: "0.0.0.0:50052"},
				Log:        LogConfig{Level: "info"},
				Kubernetes: KubernetesConfig{Enable: true},
			},
			wantErr: true,
		},
		{
			name: "kubernetes disabled is fatal even with redis shards present",
			cfg: Config{
				App:          AppConfig{Name: "test"},
				Proxy:        ProxyConfig{ListenAddr: "0.0.0.0:50052"},
				Log:          LogConfig{Level: "info"},
				CacheBackend: CacheBackendConfig{RedisReplicas: []RedisReplicaConfig{{Hostname: "redis-0", Port: 6379}}},
			},
			wantErr: true,
		},
		{
			name: "invalid redis shard port",
			cfg: Config{
				App:          AppConfig{Name: "test"},
				Proxy:        ProxyConfig{ListenAddr: "0.0.0.0:50052"},
				Log:          LogConfig{Level: "info"},
				Kubernetes:   KubernetesConfig{Enable: true},
				CacheBackend: CacheBackendConfig{RedisReplicas: []RedisReplicaConfig{{Hostname: "redis-0", Port: 0}}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"dev", true},
		{"production", false},
		{"staging", false},
	}

	for _, tt := range tests {
		cfg := &Config{App: AppConfig{Environment: tt.env}}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() for %s = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestRedisReplicaConfig_Address(t *testing.T) {
	cfg := RedisReplicaConfig{Hostname: "redis-0.cache.svc", Port: 6379}

	addr := cfg.Address()
	if addr != "redis-0.cache.svc:6379" {
		t.Errorf("expected 'redis-0.cache.svc:6379', got %s", addr)
	}
}
