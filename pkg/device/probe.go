package device

import "fmt"

// ProbeResult is the answer to a check_device command.
type ProbeResult struct {
	Available bool   `json:"device_connected"`
	Info      string `json:"device_info,omitempty"`
	Error     string `json:"device_error,omitempty"`
}

// Probe reports device availability. While the source is streaming the
// answer is derived from the live handle; a second open would steal the
// device out from under the producer.
func Probe(s Source) ProbeResult {
	st := s.Status()
	if !st.Connected {
		return ProbeResult{Error: st.LastError}
	}
	info := st.Serial
	if st.Running {
		info = fmt.Sprintf("%s (streaming %.3f MHz @ %.2f MS/s)",
			st.Serial, st.CenterFreq/1e6, st.SampleRate/1e6)
	}
	return ProbeResult{Available: true, Info: info}
}
