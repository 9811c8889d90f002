package filter

import (
	"net/netip"
	"strings"

	"filterproxy/internal/domain"
)

// parseRules はルールファイルの内容を解析する.
// 1行1ルール. `#` から行末まではコメント、空行は無視する.
// ルールは素のホスト名、`*.hostname`、IPv4/IPv6 リテラルのいずれか.
func parseRules(data []byte) []domain.Rule {
	var rules []domain.Rule

	for _, line := range strings.Split(string(data), "\n") {
		if hash := strings.IndexByte(line, '#'); hash >= 0 {
			line = line[:hash]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		rules = append(rules, parseRule(line))
	}

	return rules
}

func parseRule(line string) domain.Rule {
	if strings.HasPrefix(line, "*.") {
		return domain.Rule{
			Kind:    domain.RuleWildcard,
			Pattern: strings.ToLower(line[2:]),
		}
	}

	if addr, err := netip.ParseAddr(line); err == nil {
		return domain.Rule{
			Kind:    domain.RuleIP,
			Pattern: line,
			Addr:    addr.Unmap(),
		}
	}

	return domain.Rule{
		Kind:    domain.RuleExact,
		Pattern: strings.ToLower(line),
	}
}
