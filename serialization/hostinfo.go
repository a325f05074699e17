package serialization

import "strconv"

// HostInfo describes the client-side PSHost a RunspacePool advertises when
// it opens or when a pipeline is created, per MS-PSRP 2.2.3.14. When a field
// is null the server falls back to its own defaults instead of querying the
// client for host state.
type HostInfo struct {
	HostDefaultData *HostDefaultData
	IsHostNull      bool
	IsHostUINull    bool
	IsHostRawUINull bool
	UseRunspaceHost bool
}

// HostDefaultData carries the raw host properties (window size, colors,
// title, etc.) PowerShell hosts advertise when they are not null. Values
// are keyed by the numeric property index MS-PSRP assigns each PSHostRawUserInterface
// field.
type HostDefaultData struct {
	Data map[int]interface{}
}

// HostInfoToPSObject renders a HostInfo the way PowerShell's remoting layer
// expects it on the wire: a Members-only object with the four null/host
// flags, plus an optional nested "_hostDefaultData" dictionary when the
// caller supplied one.
func HostInfoToPSObject(h *HostInfo) *PSObject {
	obj := &PSObject{
		Members: map[string]interface{}{
			"_isHostNull":      h.IsHostNull,
			"_isHostUINull":    h.IsHostUINull,
			"_isHostRawUINull": h.IsHostRawUINull,
			"_useRunspaceHost": h.UseRunspaceHost,
		},
		OrderedMemberKeys: []string{"_isHostNull", "_isHostUINull", "_isHostRawUINull", "_useRunspaceHost"},
	}
	if h.HostDefaultData != nil && len(h.HostDefaultData.Data) > 0 {
		entries := make(map[string]interface{}, len(h.HostDefaultData.Data))
		for k, v := range h.HostDefaultData.Data {
			entries[strconv.Itoa(k)] = v
		}
		obj.Members["_hostDefaultData"] = &PSObject{
			Members:           map[string]interface{}{"data": entries},
			OrderedMemberKeys: []string{"data"},
		}
		obj.OrderedMemberKeys = append(obj.OrderedMemberKeys, "_hostDefaultData")
	}
	return obj
}
