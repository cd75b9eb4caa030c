package ingest

import (
	"strings"
)

// DefaultAliases 是内置的厂商别名，key 为归一化后的小写写法。
var DefaultAliases = map[string]string{
	"ti":                             "TEXAS INSTRUMENTS",
	"texas instruments":              "TEXAS INSTRUMENTS",
	"texas instruments inc":          "TEXAS INSTRUMENTS",
	"texas instruments incorporated": "TEXAS INSTRUMENTS",
	"st":                             "STMICROELECTRONICS",
	"st micro":                       "STMICROELECTRONICS",
	"stmicro":                        "STMICROELECTRONICS",
	"stmicroelectronics":             "STMICROELECTRONICS",
	"adi":                            "ANALOG DEVICES",
	"analog devices inc":             "ANALOG DEVICES",
	"nxp":                            "NXP SEMICONDUCTORS",
	"nxp semiconductor":              "NXP SEMICONDUCTORS",
	"on semi":                        "ONSEMI",
	"on semiconductor":               "ONSEMI",
	"microchip":                      "MICROCHIP TECHNOLOGY",
	"microchip technology inc":       "MICROCHIP TECHNOLOGY",
}

// Normalizer 把原始厂商名转换为规范写法：去首尾空白、折叠内部空白、忽略大小写、
// 去掉末尾的 "." 和逗号，再查别名表；未知厂商统一转为大写。
type Normalizer struct {
	aliases map[string]string
}

// NewNormalizer 合并内置别名与配置中的别名，配置优先。
func NewNormalizer(extra map[string]string) *Normalizer {
	aliases := make(map[string]string, len(DefaultAliases)+len(extra))
	for k, v := range DefaultAliases {
		aliases[foldKey(k)] = v
	}
	for k, v := range extra {
		aliases[foldKey(k)] = strings.TrimSpace(v)
	}
	return &Normalizer{aliases: aliases}
}

// Normalize 返回规范厂商名，空输入返回空串。
func (n *Normalizer) Normalize(raw string) string {
	key := foldKey(raw)
	if key == "" {
		return ""
	}
	if canonical, ok := n.aliases[key]; ok {
		return canonical
	}
	return strings.ToUpper(key)
}

func foldKey(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), ",", " ")
	s = strings.TrimRight(strings.Join(strings.Fields(s), " "), ".")
	return strings.TrimSpace(s)
}
