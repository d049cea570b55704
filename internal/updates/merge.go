package updates

import "sort"

type mergeCandidate struct {
	userID     string
	key        string
	updateType Type
	target     string
	condition  DeleteCondition
}

// selectSurvivors resolves one time-ordered group sharing (userID, key).
// An incoming candidate evicts the survivors it covers, then is dropped if a
// remaining survivor covers it. Mutual coverage therefore keeps the latest.
func selectSurvivors(group []mergeCandidate) []int {
	survivors := make([]int, 0, len(group))
	for index, incoming := range group {
		kept := survivors[:0]
		for _, survivor := range survivors {
			if incoming.condition.Covers(group[survivor].updateType, group[survivor].target) {
				continue
			}
			kept = append(kept, survivor)
		}
		survivors = kept

		superseded := false
		for _, survivor := range survivors {
			if group[survivor].condition.Covers(incoming.updateType, incoming.target) {
				superseded = true
				break
			}
		}
		if !superseded {
			survivors = append(survivors, index)
		}
	}
	return survivors
}

// mergeKeyed returns a keep-mask over candidates, which must already be in time order.
// Candidates with an empty key are always kept.
func mergeKeyed(candidates []mergeCandidate) []bool {
	keep := make([]bool, len(candidates))
	groups := make(map[string][]int)
	order := make([]string, 0)
	for index, candidate := range candidates {
		if candidate.key == "" {
			keep[index] = true
			continue
		}
		groupKey := candidate.userID + "\x00" + candidate.key
		if _, seen := groups[groupKey]; !seen {
			order = append(order, groupKey)
		}
		groups[groupKey] = append(groups[groupKey], index)
	}
	for _, groupKey := range order {
		members := groups[groupKey]
		group := make([]mergeCandidate, len(members))
		for position, index := range members {
			group[position] = candidates[index]
		}
		for _, position := range selectSurvivors(group) {
			keep[members[position]] = true
		}
	}
	return keep
}

func sortFactsByTime(facts []Fact) []Fact {
	sorted := make([]Fact, len(facts))
	copy(sorted, facts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})
	return sorted
}

func candidateForFact(fact Fact) mergeCandidate {
	key := fact.DedupKey()
	candidate := mergeCandidate{
		userID:     fact.UserID,
		key:        key,
		updateType: fact.Payload.Type(),
		target:     fact.TargetSession,
	}
	if key != "" {
		candidate.condition = deleteConditionFor(fact.UserID, key, fact.TargetSession, candidate.updateType)
	}
	return candidate
}
