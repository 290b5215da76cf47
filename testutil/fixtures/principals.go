// =============================================================================
// 📦 测试数据工厂 - 节点与负载
// =============================================================================
// 提供预定义的节点花名册和负载，用于测试
// =============================================================================
package fixtures

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/hivecoord/types"
)

// domains 轮流分配给生成的节点
var domains = []string{"backend", "frontend", "security", "data", "infra", "docs"}

// Principals 生成 p1..pn，均为 active、满信任、容量 4
func Principals(n int) []types.Principal {
	out := make([]types.Principal, 0, n)
	for i := 1; i <= n; i++ {
		domain := domains[(i-1)%len(domains)]
		out = append(out, types.Principal{
			ID:           types.PrincipalID(fmt.Sprintf("p%d", i)),
			Domain:       domain,
			Capabilities: []string{domain, "review"},
			Keywords:     []string{domain},
			Capacity:     4,
			TrustScore:   1.0,
			Health:       types.HealthActive,
		})
	}
	return out
}

// IDs 返回节点 ID 列表
func IDs(principals []types.Principal) []types.PrincipalID {
	ids := make([]types.PrincipalID, len(principals))
	for i, p := range principals {
		ids[i] = p.ID
	}
	return ids
}

// Payload 返回指定领域的负载
func Payload(id, domain string, keywords ...string) types.Payload {
	body, _ := json.Marshal(map[string]string{"task": id})
	if len(keywords) == 0 {
		keywords = []string{domain}
	}
	return types.Payload{
		ID:       id,
		Domain:   domain,
		Keywords: keywords,
		Body:     body,
	}
}

// ExclusivePayload 返回不可重复执行副作用的负载
func ExclusivePayload(id, domain string) types.Payload {
	p := Payload(id, domain)
	p.Exclusive = true
	return p
}
