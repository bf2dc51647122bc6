package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 描述一个 IMAP 服务商的连接参数
type Provider struct {
	Name string `yaml:"name" json:"name"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	TLS  bool   `yaml:"tls" json:"tls"`
}

// ProviderTable 是服务商名称到连接参数的映射表
type ProviderTable struct {
	providers map[string]Provider
}

type providerFile struct {
	Providers []Provider `yaml:"providers"`
}

// builtinProviders 内置服务商
var builtinProviders = []Provider{
	{Name: "gmail", Host: "imap.gmail.com", Port: 993, TLS: true},
	{Name: "outlook", Host: "outlook.office365.com", Port: 993, TLS: true},
	{Name: "yahoo", Host: "imap.mail.yahoo.com", Port: 993, TLS: true},
}

// DefaultProviders 返回只包含内置服务商的表
func DefaultProviders() *ProviderTable {
	t := &ProviderTable{providers: make(map[string]Provider, len(builtinProviders))}
	for _, p := range builtinProviders {
		t.providers[p.Name] = p
	}
	return t
}

// LoadProviders 在内置表的基础上加载 YAML 文件中的服务商
//
// 文件格式:
//
//	providers:
//	  - name: zoho
//	    host: imap.zoho.com
//	    port: 993
//	    tls: true
//
// 同名条目覆盖内置条目。path 为空时直接返回内置表。
func LoadProviders(path string) (*ProviderTable, error) {
	table := DefaultProviders()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var file providerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	for i, p := range file.Providers {
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.Name == "" || p.Host == "" {
			return nil, fmt.Errorf("providers[%d]: name and host are required", i)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return nil, fmt.Errorf("providers[%d]: invalid port %d", i, p.Port)
		}
		table.providers[p.Name] = p
	}

	return table, nil
}

// Lookup 按名称查找服务商，不区分大小写
func (t *ProviderTable) Lookup(name string) (Provider, bool) {
	p, ok := t.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// List 返回按名称排序的全部服务商
func (t *ProviderTable) List() []Provider {
	out := make([]Provider, 0, len(t.providers))
	for _, p := range t.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
