package engine

import (
	"strings"

	"airguard/internal/model"
)

type scopeSet struct {
	global   bool
	stations map[string]struct{}
	regions  map[string]struct{}
}

func buildScope(s model.Scope) scopeSet {
	switch s.Kind {
	case model.ScopeStations:
		return scopeSet{stations: buildSet(s.Stations, false)}
	case model.ScopeRegions:
		return scopeSet{regions: buildSet(s.Regions, true)}
	default:
		return scopeSet{global: true}
	}
}

func buildSet(values []string, fold bool) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if fold {
			v = strings.ToLower(v)
		}
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func (s scopeSet) contains(st model.Station) bool {
	if s.global {
		return true
	}
	if s.stations != nil {
		_, ok := s.stations[st.ID]
		return ok
	}
	if s.regions != nil && st.Region != "" {
		_, ok := s.regions[strings.ToLower(st.Region)]
		return ok
	}
	return false
}
