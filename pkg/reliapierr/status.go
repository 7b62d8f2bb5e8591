package reliapierr

import "strconv"

// Status labels used in metrics. Upstream statuses outside the enumerated
// set collapse to 4xx/5xx so label cardinality stays bounded; the actual
// status is preserved in logs and in the response detail.
const (
	LabelNetworkError = "network_error"
	LabelTimeout      = "timeout"
	LabelUnknown      = "unknown"
)

var exactStatusLabels = map[int]string{
	200: "200",
	400: "400",
	401: "401",
	403: "403",
	404: "404",
	409: "409",
	429: "429",
	500: "500",
	502: "502",
	503: "503",
	504: "504",
}

// NormalizeStatusLabel maps an upstream HTTP status to a low-cardinality
// metric label. Zero means no response was received.
func NormalizeStatusLabel(status int) string {
	if label, ok := exactStatusLabels[status]; ok {
		return label
	}
	switch {
	case status >= 200 && status < 400:
		return "200"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return LabelUnknown
	}
}

// StatusDetail returns the exact status as a string for logs and response
// details, where cardinality is not a concern.
func StatusDetail(status int) string {
	return strconv.Itoa(status)
}
