package activedirectory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Matching rule OIDs understood by Active Directory filter evaluation.
const (
	// matchingRuleBitAnd matches entries where the named integer attribute
	// has all bits of the operand set (LDAP_MATCHING_RULE_BIT_AND).
	matchingRuleBitAnd = "1.2.840.113556.1.4.803"
	// matchingRuleInChain walks nested links such as group membership
	// transitively (LDAP_MATCHING_RULE_IN_CHAIN).
	matchingRuleInChain = "1.2.840.113556.1.4.1941"
)

// attributeNamePattern constrains attribute descriptors per RFC 4512:
// a leading letter followed by letters, digits, or hyphens.
var attributeNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*$`)

// Criterion is a single self-contained LDAP filter clause. Criteria are
// built with the package constructors (Eq, Expr, And, Or, Not, BitAnd,
// InChain) and combined by the search operations, which AND them together.
//
// Construction never fails eagerly; a malformed criterion carries its error
// until the filter is built, so constructors compose cleanly at call sites:
//
//	session.Search(ctx, Eq("objectCategory", "person"), Eq("cn", "tim*"))
type Criterion struct {
	clause string
	err    error
}

// String returns the rendered filter clause, or a diagnostic placeholder
// for malformed criteria.
func (c Criterion) String() string {
	if c.err != nil {
		return fmt.Sprintf("<invalid criterion: %v>", c.err)
	}
	return c.clause
}

// Eq matches entries whose attribute equals the given value. Values are
// escaped per RFC 4515 except for the wildcard character '*', which is
// preserved so substring matches work as written:
//
//	Eq("sAMAccountName", "tgolden")  → (sAMAccountName=tgolden)
//	Eq("displayName", "Tim*")        → (displayName=Tim*)
//	Eq("cn", "a(b)c")                → (cn=a\28b\29c)
func Eq(attribute, value string) Criterion {
	if !attributeNamePattern.MatchString(attribute) {
		return Criterion{err: newMalformedCriterionError(attribute, "invalid attribute name")}
	}

	return Criterion{clause: fmt.Sprintf("(%s=%s)", attribute, escapeFilterValue(value))}
}

// Expr wraps a raw filter expression verbatim. The expression is opaque:
// no validation or escaping is applied beyond adding enclosing parentheses
// when the expression is bare.
//
//	Expr("(memberOf=CN=Admins,DC=example,DC=com)")
//	Expr("logonCount>=10")  → (logonCount>=10)
func Expr(filter string) Criterion {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return Criterion{err: newMalformedCriterionError("", "empty filter expression")}
	}

	if !strings.HasPrefix(filter, "(") {
		filter = "(" + filter + ")"
	}

	return Criterion{clause: filter}
}

// And combines criteria so that all must match.
func And(criteria ...Criterion) Criterion {
	return combine("&", criteria)
}

// Or combines criteria so that at least one must match.
func Or(criteria ...Criterion) Criterion {
	return combine("|", criteria)
}

// Not negates a criterion.
func Not(criterion Criterion) Criterion {
	if criterion.err != nil {
		return criterion
	}

	return Criterion{clause: fmt.Sprintf("(!%s)", criterion.clause)}
}

// BitAnd matches entries where all bits of mask are set in the named
// integer attribute, using the LDAP_MATCHING_RULE_BIT_AND extensible
// match. Useful against bit-field attributes such as userAccountControl
// and groupType:
//
//	BitAnd("userAccountControl", 0x2)  → disabled accounts
func BitAnd(attribute string, mask int64) Criterion {
	if !attributeNamePattern.MatchString(attribute) {
		return Criterion{err: newMalformedCriterionError(attribute, "invalid attribute name")}
	}

	return Criterion{clause: fmt.Sprintf("(%s:%s:=%d)", attribute, matchingRuleBitAnd, mask)}
}

// InChain matches entries linked to the given DN through the named
// attribute, followed transitively (LDAP_MATCHING_RULE_IN_CHAIN). The
// canonical use is nested group membership:
//
//	InChain("memberOf", "CN=Admins,OU=Groups,DC=example,DC=com")
func InChain(attribute, dn string) Criterion {
	if !attributeNamePattern.MatchString(attribute) {
		return Criterion{err: newMalformedCriterionError(attribute, "invalid attribute name")}
	}

	return Criterion{clause: fmt.Sprintf("(%s:%s:=%s)", attribute, matchingRuleInChain, ldap.EscapeFilter(dn))}
}

// combine renders a composite (&...) or (|...) clause, propagating the
// first construction error found among the parts.
func combine(operator string, criteria []Criterion) Criterion {
	if len(criteria) == 0 {
		return Criterion{err: newMalformedCriterionError("", "combinator requires at least one criterion")}
	}

	clauses := make([]string, 0, len(criteria))
	for _, c := range criteria {
		if c.err != nil {
			return c
		}
		clauses = append(clauses, c.clause)
	}

	if len(clauses) == 1 {
		return Criterion{clause: clauses[0]}
	}

	return Criterion{clause: fmt.Sprintf("(%s%s)", operator, strings.Join(clauses, ""))}
}

// BuildFilter renders criteria into a single LDAP filter string. Multiple
// criteria are ANDed; no criteria yields the match-everything filter
// (objectClass=*). The first malformed criterion aborts the build.
func BuildFilter(criteria ...Criterion) (string, error) {
	if len(criteria) == 0 {
		return "(objectClass=*)", nil
	}

	clauses := make([]string, 0, len(criteria))
	for _, c := range criteria {
		if c.err != nil {
			return "", c.err
		}
		if c.clause == "" {
			return "", newMalformedCriterionError("", "empty criterion")
		}
		clauses = append(clauses, c.clause)
	}

	if len(clauses) == 1 {
		return clauses[0], nil
	}

	return "(&" + strings.Join(clauses, "") + ")", nil
}

// escapeFilterValue escapes a filter value per RFC 4515 while preserving
// '*' wildcards, escaping each literal segment between them.
func escapeFilterValue(value string) string {
	if !strings.Contains(value, "*") {
		return ldap.EscapeFilter(value)
	}

	segments := strings.Split(value, "*")
	for i, segment := range segments {
		segments[i] = ldap.EscapeFilter(segment)
	}

	return strings.Join(segments, "*")
}
