package channel

import (
	"strconv"
	"strings"
)

// Cause is a Q.850 hangup cause code.
type Cause int

const (
	CauseUnallocated           Cause = 1
	CauseNoRouteDestination    Cause = 3
	CauseNormalClearing        Cause = 16
	CauseUserBusy              Cause = 17
	CauseNoUserResponse        Cause = 18
	CauseNoAnswer              Cause = 19
	CauseCallRejected          Cause = 21
	CauseNumberChanged         Cause = 22
	CauseDestinationOutOfOrder Cause = 27
	CauseInvalidNumberFormat   Cause = 28
	CauseNormalUnspecified     Cause = 31
	CauseCongestion            Cause = 34
	CauseNetworkOutOfOrder     Cause = 38
	CauseTemporaryFailure      Cause = 41
	CauseSwitchCongestion      Cause = 42
	CauseChanUnavailable       Cause = 44
	CauseFacilityRejected      Cause = 29
	CauseBearerNotAvailable    Cause = 58
	CauseInterworking          Cause = 127
)

var causeNames = map[Cause]string{
	CauseUnallocated:           "UNALLOCATED",
	CauseNoRouteDestination:    "NO_ROUTE_DESTINATION",
	CauseNormalClearing:        "NORMAL_CLEARING",
	CauseUserBusy:              "USER_BUSY",
	CauseNoUserResponse:        "NO_USER_RESPONSE",
	CauseNoAnswer:              "NO_ANSWER",
	CauseCallRejected:          "CALL_REJECTED",
	CauseNumberChanged:         "NUMBER_CHANGED",
	CauseDestinationOutOfOrder: "DESTINATION_OUT_OF_ORDER",
	CauseInvalidNumberFormat:   "INVALID_NUMBER_FORMAT",
	CauseFacilityRejected:      "FACILITY_REJECTED",
	CauseNormalUnspecified:     "NORMAL_UNSPECIFIED",
	CauseCongestion:            "NORMAL_CIRCUIT_CONGESTION",
	CauseNetworkOutOfOrder:     "NETWORK_OUT_OF_ORDER",
	CauseTemporaryFailure:      "NORMAL_TEMPORARY_FAILURE",
	CauseSwitchCongestion:      "SWITCH_CONGESTION",
	CauseChanUnavailable:       "REQUESTED_CHAN_UNAVAIL",
	CauseBearerNotAvailable:    "BEARERCAPABILITY_NOTAVAIL",
	CauseInterworking:          "INTERWORKING",
}

func (c Cause) String() string {
	if n, ok := causeNames[c]; ok {
		return n
	}
	return strconv.Itoa(int(c))
}

// ParseCause accepts a numeric code or a cause name with or without the
// "AST_CAUSE_" prefix. ok is false for unrecognised text.
func ParseCause(s string) (Cause, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return Cause(n), n > 0
	}
	s = strings.TrimPrefix(strings.ToUpper(s), "AST_CAUSE_")
	for c, name := range causeNames {
		if name == s {
			return c, true
		}
	}
	switch s {
	case "BUSY":
		return CauseUserBusy, true
	case "CONGESTION":
		return CauseCongestion, true
	case "NORMAL":
		return CauseNormalClearing, true
	case "NOANSWER":
		return CauseNoAnswer, true
	}
	return 0, false
}
