package errcode

import "encoding/json"

// Envelope is the uniform JSON wrapper every tool returns. A success carries
// data, columns and a row count; a failure carries the catalogued error and
// empty data fields so clients can parse both shapes with one decoder.
type Envelope struct {
	Success       bool             `json:"success"`
	Data          []map[string]any `json:"data"`
	Columns       []string         `json:"columns"`
	RowCount      int              `json:"row_count"`
	Message       string           `json:"message,omitempty"`
	ExecutionTime *float64         `json:"execution_time,omitempty"`
	Error         *ErrorBody       `json:"error,omitempty"`
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code     Code           `json:"code"`
	CodeName string         `json:"code_name"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// Success builds a success envelope. executionTimeMS < 0 omits the field.
func Success(data []map[string]any, columns []string, message string, executionTimeMS float64) Envelope {
	if data == nil {
		data = []map[string]any{}
	}
	if columns == nil {
		columns = []string{}
	}
	env := Envelope{
		Success:  true,
		Data:     data,
		Columns:  columns,
		RowCount: len(data),
		Message:  message,
	}
	if executionTimeMS >= 0 {
		env.ExecutionTime = &executionTimeMS
	}
	return env
}

// Error builds an error envelope for the given code.
func Error(code Code, message string, details map[string]any) Envelope {
	return Envelope{
		Success:  false,
		Data:     []map[string]any{},
		Columns:  []string{},
		RowCount: 0,
		Error: &ErrorBody{
			Code:     code,
			CodeName: code.Name(),
			Message:  message,
			Details:  details,
		},
	}
}

// JSON renders the envelope as a JSON string. Marshalling an envelope cannot
// fail for the types it carries after value conversion; if a tool smuggles an
// unmarshalable value through, degrade to a minimal error string rather than
// panicking in the request path.
func (e Envelope) JSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		fallback, _ := json.Marshal(Error(UnknownError, "failed to encode response: "+err.Error(), nil))
		return string(fallback)
	}
	return string(b)
}
