package detector

import "math"

// Evaluate runs every rule in a fixed order
// against totals, returning the maximum severity across every rule
// that fired and the list of fired rule names in evaluation order
// (the tie-break concatenation order).
func (d *Detector) Evaluate(t WindowTotals) (AlertLevel, []string) {
	th := d.Thresholds
	fired := make(map[string]bool, len(orderedRuleNames))

	if t.UDPAttackPPS > th.UDPFloodAttackPPS || t.UDPBaselinePPS > th.UDPFloodBaselinePPS {
		fired[RuleUDPFlood] = true
	}
	if t.SYNAttackPPS > th.SYNFloodAttackPPS || t.SYNBaselinePPS > th.SYNFloodBaselinePPS {
		fired[RuleSYNFlood] = true
	}
	if t.ICMPAttackPPS > th.ICMPFloodAttackPPS || t.ICMPBaselinePPS > th.ICMPFloodBaselinePPS {
		fired[RuleICMPFlood] = true
	}
	if t.HTTPAttackPPS > th.HTTPFloodAttackPPS || t.HTTPBaselinePPS > th.HTTPFloodBaselinePPS {
		fired[RuleHTTPFlood] = true
	}
	if t.DNSPPS > th.DNSAmpPPS && t.AttackSourceActive {
		fired[RuleDNSAmplification] = true
	}
	if t.NTPPPS > th.NTPAmpPPS && t.AttackSourceActive {
		fired[RuleNTPAmplification] = true
	}
	if t.ACKPPS > th.ACKFloodPPS && t.AttackSourceActive {
		fired[RuleACKFlood] = true
	}
	if t.FragPPS > th.FragFloodPPS && t.AttackSourceActive {
		fired[RuleFragmentation] = true
	}
	if t.AttackPPS > th.TotalFloodAttackPPS || t.BaselinePPS > th.TotalFloodBaselinePPS {
		fired[RulePacketFlood] = true
	}

	soft := 0
	if t.UDPPPS > th.MultiAttackSoftUDP {
		soft++
	}
	if t.SYNPPS > th.MultiAttackSoftSYN {
		soft++
	}
	if t.ICMPPPS > th.MultiAttackSoftICMP {
		soft++
	}
	if soft >= 2 {
		fired[RuleMultiAttack] = true
	}

	if t.HTTPPackets > 0 && float64(t.TopURLCount)/float64(t.HTTPPackets) > th.URLConcentrationRatio {
		fired[RuleURLConcentration] = true
	}
	if t.UniqueIPs > th.BotnetMinUniqueIPs && t.AvgPPSPerIP < th.BotnetMaxAvgPPSPerIP {
		fired[RuleBotnet] = true
	}

	if t.BytesIn > 0 {
		ratio := float64(t.BytesOut) / float64(t.BytesIn)
		if !math.IsNaN(ratio) && !math.IsInf(ratio, 0) && ratio > th.QUICAmplificationRatio {
			fired[RuleQUICAmplification] = true
		}
	}
	if t.MaxAcksPerIPWindow > th.QUICMaxAcksPerIPWindow && t.QUICAttackShare >= th.QUICAttackShareMin {
		fired[RuleQUICOptimisticACK] = true
	}
	if t.LargestAckedPN > t.LastAckedPN && t.LargestAckedPN-t.LastAckedPN > th.QUICPNJumpThreshold {
		fired[RuleQUICPNJump] = true
	}

	level := AlertNone
	reasons := make([]string, 0, len(fired))
	for _, name := range orderedRuleNames {
		if !fired[name] {
			continue
		}
		reasons = append(reasons, name)
		if sev := ruleSeverity[name]; sev > level {
			level = sev
		}
	}
	return level, reasons
}
