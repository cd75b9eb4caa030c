// Package es 提供了与 Elasticsearch 交互的客户端功能。
// 索引中保存的是电商平台商品目录的镜像，补全阶段用它把零件匹配到外部商品。
package es

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

// NewClient 初始化 Elasticsearch 客户端
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

const productMapping = `{
	"mappings": {
		"properties": {
			"external_id": { "type": "keyword" },
			"sku":         { "type": "keyword" },
			"vendor":      { "type": "keyword" },
			"title":       { "type": "text" }
		}
	}
}`

// EnsureIndex 检查商品镜像索引是否存在，如果不存在则创建它
func EnsureIndex(client *elasticsearch.Client, indexName string) error {
	res, err := client.Indices.Exists([]string{indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	defer res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	created, err := client.Indices.Create(indexName, client.Indices.Create.WithBody(strings.NewReader(productMapping)))
	if err != nil {
		return fmt.Errorf("创建索引失败: %w", err)
	}
	defer created.Body.Close()
	if created.IsError() {
		return fmt.Errorf("创建索引失败: %s", created.String())
	}
	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}
