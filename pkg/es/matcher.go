package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
)

// PartKey 是一条待匹配的零件。
type PartKey struct {
	ID           uint
	PartNumber   string
	Manufacturer string
}

// MatchResult 是一个批次的匹配结果；既不在 Matched 也不在 Failed 中的零件视为未匹配。
type MatchResult struct {
	Matched map[uint]string
	Failed  []uint
}

// Matcher 用 _msearch 在商品镜像索引中按 sku / vendor 查找外部商品。
type Matcher struct {
	client *elasticsearch.Client
	index  string
}

func NewMatcher(client *elasticsearch.Client, index string) *Matcher {
	return &Matcher{client: client, index: index}
}

type msearchResponse struct {
	Responses []struct {
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error"`
		Hits   struct {
			Hits []struct {
				ID     string `json:"_id"`
				Source struct {
					ExternalID string `json:"external_id"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	} `json:"responses"`
}

// MatchBatch 为每个零件发送一个子查询，整个批次只有一次请求。
// 请求本身失败时返回 error；单个子查询失败只把对应零件计入 Failed。
func (m *Matcher) MatchBatch(ctx context.Context, keys []PartKey) (MatchResult, error) {
	result := MatchResult{Matched: make(map[uint]string)}
	if len(keys) == 0 {
		return result, nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, k := range keys {
		filters := []map[string]interface{}{
			{"term": map[string]interface{}{"sku": k.PartNumber}},
		}
		if k.Manufacturer != "" {
			filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"vendor": k.Manufacturer}})
		}
		if err := enc.Encode(map[string]interface{}{}); err != nil {
			return result, err
		}
		query := map[string]interface{}{
			"size":    1,
			"_source": []string{"external_id"},
			"query":   map[string]interface{}{"bool": map[string]interface{}{"filter": filters}},
		}
		if err := enc.Encode(query); err != nil {
			return result, err
		}
	}

	res, err := m.client.Msearch(&body,
		m.client.Msearch.WithContext(ctx),
		m.client.Msearch.WithIndex(m.index),
	)
	if err != nil {
		return result, fmt.Errorf("msearch 请求失败: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return result, fmt.Errorf("msearch 返回错误: %s", res.String())
	}

	var parsed msearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return result, fmt.Errorf("解析 msearch 响应失败: %w", err)
	}
	if len(parsed.Responses) != len(keys) {
		return result, fmt.Errorf("msearch 响应数量不一致: 期望 %d, 实际 %d", len(keys), len(parsed.Responses))
	}

	for i, r := range parsed.Responses {
		id := keys[i].ID
		if len(r.Error) > 0 && string(r.Error) != "null" {
			result.Failed = append(result.Failed, id)
			continue
		}
		if len(r.Hits.Hits) == 0 {
			continue
		}
		hit := r.Hits.Hits[0]
		ext := hit.Source.ExternalID
		if ext == "" {
			ext = hit.ID
		}
		result.Matched[id] = ext
	}
	return result, nil
}
