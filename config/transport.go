package config

import (
	"fmt"

	"github.com/jabberwocky238/p2perf/transport"
	"github.com/jabberwocky238/p2perf/transport/tcp"
	"github.com/jabberwocky238/p2perf/transport/tls"
)

// makeDependenciesList 递归构建依赖列表，确保无依赖的项在前，有依赖的项在后
// 返回的列表顺序：无依赖的配置 -> 有依赖的配置（最上层在前）
func makeDependenciesList(cfgMap map[string]Transport, cfgs []Transport) ([]Transport, error) {
	result := make([]Transport, 0)
	visited := make(map[string]bool)
	processing := make(map[string]bool) // 用于检测循环依赖

	var processCfg func(cfgID string) error
	processCfg = func(cfgID string) error {
		cfg, exists := cfgMap[cfgID]
		if !exists {
			return fmt.Errorf("unknown transport %q", cfgID)
		}
		if processing[cfgID] {
			return fmt.Errorf("circular dependency detected: %s", cfgID)
		}
		if visited[cfgID] {
			return nil
		}
		processing[cfgID] = true

		// 先处理依赖（递归）
		if underlying := underlyingOf(cfg); underlying != "" {
			if err := processCfg(underlying); err != nil {
				return err
			}
		}

		processing[cfgID] = false
		visited[cfgID] = true
		result = append(result, cfg)
		return nil
	}

	for _, cfg := range cfgs {
		if err := processCfg(cfg.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func underlyingOf(cfg Transport) string {
	s, _ := cfg.Cfg["Underlying"].(string)
	return s
}

func stringOpt(cfg Transport, key string) string {
	s, _ := cfg.Cfg[key].(string)
	return s
}

func boolOpt(cfg Transport, key string, def bool) bool {
	if b, ok := cfg.Cfg[key].(bool); ok {
		return b
	}
	return def
}

func mainTransport(cfgs []Transport) (string, error) {
	for _, cfg := range cfgs {
		if cfg.Main {
			return cfg.ID, nil
		}
	}
	return "", fmt.Errorf("no main transport found")
}

func FromConfigServer(cfgs []Transport) (transport.TransportServer, error) {
	cfgMap := make(map[string]Transport)
	serverMap := make(map[string]transport.TransportServer)
	for _, cfg := range cfgs {
		cfgMap[cfg.ID] = cfg
	}
	dependenciesList, err := makeDependenciesList(cfgMap, cfgs)
	if err != nil {
		return nil, err
	}

	makeServer := func(cfg Transport) (transport.TransportServer, error) {
		switch cfg.Type {
		case "tcp":
			return tcp.NewTCPServer(), nil
		case "tls":
			tlsCfg := &tls.TLSServerConfig{ServerName: stringOpt(cfg, "ServerName")}
			// 优先使用配置中直接提供的 CertPem 和 KeyPem，否则从文件读取
			if tlsCfg.CertPem, err = readPem(cfg.Cfg["CertPem"], cfg.Cfg["CertFile"]); err != nil {
				return nil, err
			}
			if tlsCfg.KeyPem, err = readPem(cfg.Cfg["KeyPem"], cfg.Cfg["KeyFile"]); err != nil {
				return nil, err
			}
			if len(tlsCfg.CertPem) == 0 && len(tlsCfg.KeyPem) == 0 {
				host := tlsCfg.ServerName
				if host == "" {
					host = "localhost"
				}
				if tlsCfg.CertPem, tlsCfg.KeyPem, err = tls.GenerateSelfSignedCert(host); err != nil {
					return nil, err
				}
			}
			return tls.NewTLSServer(tlsCfg, serverMap[underlyingOf(cfg)])
		}
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}

	for _, cfg := range dependenciesList {
		server, err := makeServer(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to make server for %s: %w", cfg.ID, err)
		}
		serverMap[cfg.ID] = server
	}

	// 返回主transport
	id, err := mainTransport(cfgs)
	if err != nil {
		return nil, err
	}
	return serverMap[id], nil
}

func FromConfigClient(cfgs []Transport) (transport.TransportClient, error) {
	cfgMap := make(map[string]Transport)
	clientMap := make(map[string]transport.TransportClient)
	for _, cfg := range cfgs {
		cfgMap[cfg.ID] = cfg
	}
	dependenciesList, err := makeDependenciesList(cfgMap, cfgs)
	if err != nil {
		return nil, err
	}

	makeClient := func(cfg Transport) (transport.TransportClient, error) {
		switch cfg.Type {
		case "tcp":
			return tcp.NewTCPClient(), nil
		case "tls":
			tlsCfg := &tls.TLSClientConfig{
				ServerName:         stringOpt(cfg, "ServerName"),
				SNI:                boolOpt(cfg, "SNI", true),
				InsecureSkipVerify: boolOpt(cfg, "InsecureSkipVerify", false),
			}
			return tls.NewTLSClient(tlsCfg, clientMap[underlyingOf(cfg)]), nil
		}
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}

	for _, cfg := range dependenciesList {
		client, err := makeClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to make client for %s: %w", cfg.ID, err)
		}
		clientMap[cfg.ID] = client
	}

	id, err := mainTransport(cfgs)
	if err != nil {
		return nil, err
	}
	return clientMap[id], nil
}
