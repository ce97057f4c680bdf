package rules

import (
	"strconv"
	"strings"

	"grimm.is/pfkit/internal/codec"
)

// Describe renders a rule record in pf.conf syntax, as pfctl -s rules would.
func Describe(rec codec.RuleRecord) string {
	parts := []string{rec.Action.String()}

	translation := rec.Ruleset() != codec.RulesetFilter
	if !translation {
		if rec.Direction != codec.DirectionNone {
			parts = append(parts, rec.Direction.String())
		}
		if rec.Log {
			parts = append(parts, "log")
		}
		if rec.Quick {
			parts = append(parts, "quick")
		}
	} else if rec.NatPass {
		parts = append(parts, "pass")
	}

	if rec.Interface != "" {
		parts = append(parts, "on", rec.Interface)
	}
	if rec.Family != codec.FamilyUnspec {
		parts = append(parts, rec.Family.String())
	}
	if rec.Protocol != codec.ProtoAny {
		parts = append(parts, "proto", rec.Protocol.String())
	}

	if isAnyAddr(rec.Src) && isAnyAddr(rec.Dst) {
		parts = append(parts, "all")
	} else {
		parts = append(parts, "from", describeAddr(rec.Src), "to", describeAddr(rec.Dst))
	}

	if translation && rec.NatTarget.Prefix.IsValid() {
		parts = append(parts, "->", describeAddr(rec.NatTarget))
	}
	if !translation && rec.KeepState {
		parts = append(parts, "keep state")
	}
	return strings.Join(parts, " ")
}

func isAnyAddr(ra codec.RuleAddr) bool {
	return !ra.Prefix.IsValid() && !ra.Negate && ra.Ports.Op == codec.PortOpNone
}

func describeAddr(ra codec.RuleAddr) string {
	var sb strings.Builder
	if ra.Negate {
		sb.WriteString("! ")
	}
	switch {
	case !ra.Prefix.IsValid():
		sb.WriteString("any")
	case ra.Prefix.IsSingleIP():
		sb.WriteString(ra.Prefix.Addr().String())
	default:
		sb.WriteString(ra.Prefix.String())
	}

	switch ra.Ports.Op {
	case codec.PortOpEq:
		sb.WriteString(" port ")
		sb.WriteString(strconv.Itoa(int(ra.Ports.Low)))
	case codec.PortOpRng:
		sb.WriteString(" port ")
		sb.WriteString(strconv.Itoa(int(ra.Ports.Low)))
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(ra.Ports.High)))
	}
	return sb.String()
}
