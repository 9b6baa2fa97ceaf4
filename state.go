package main

// Mode is the session's top-level state. One writer (the coordinator), many
// snapshot readers.
type Mode int

const (
	ModeIdle Mode = iota
	ModeLive
	ModeSweep
	ModePlayback
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeSweep:
		return "sweep_running"
	case ModePlayback:
		return "playback"
	default:
		return "idle"
	}
}

// statusSnapshot is the consolidated state sent to clients as
// {type:"status", data:{...}}. Field names are the command-surface contract.
type statusSnapshot struct {
	Mode            string  `json:"mode"`
	Streaming       bool    `json:"streaming"`
	DeviceConnected bool    `json:"device_connected"`
	DeviceError     string  `json:"device_error,omitempty"`
	CenterFreq      float64 `json:"center_freq"`
	SampleRate      float64 `json:"sample_rate"`
	Bandwidth       float64 `json:"bandwidth"`
	Gain            float64 `json:"gain"`

	FFTSize       int     `json:"fft_size"`
	WindowKind    string  `json:"window_kind"`
	AveragingMode string  `json:"averaging_mode"`
	AvgCount      int     `json:"averaging_count"`
	AvgAlpha      float64 `json:"averaging_alpha"`
	DCRemoval     bool    `json:"dc_removal"`
	PeakHold      bool    `json:"peak_hold"`
	OutputBins    int     `json:"output_bins"`

	AGCEnabled bool `json:"agc_enabled"`

	DetectionEnabled bool    `json:"detection_enabled"`
	ThresholdDB      float64 `json:"threshold_db"`
	TrackedSignals   int     `json:"tracked_signals"`

	DroppedBlocks uint64 `json:"dropped_blocks"`
	Clients       int    `json:"clients"`

	SweepState    string  `json:"sweep_state,omitempty"`
	SweepID       uint32  `json:"sweep_id,omitempty"`
	SweepStep     int     `json:"sweep_step,omitempty"`
	SweepTotal    int     `json:"sweep_total,omitempty"`
	SweepProgress float64 `json:"sweep_progress,omitempty"`

	IQRecording       bool   `json:"iq_recording"`
	IQFilename        string `json:"iq_filename,omitempty"`
	IQBytes           int64  `json:"iq_bytes,omitempty"`
	SpectrumRecording bool   `json:"spectrum_recording"`
	SpectrumFilename  string `json:"spectrum_filename,omitempty"`
	SpectrumFrames    int64  `json:"spectrum_frames,omitempty"`
	StorageUsed       int64  `json:"storage_used"`
	StorageBudget     int64  `json:"storage_budget"`
	StorageFree       int64  `json:"storage_free,omitempty"`

	Playback *playbackStatus `json:"playback,omitempty"`
}

type playbackStatus struct {
	Playing         bool    `json:"playing"`
	Paused          bool    `json:"paused"`
	Filename        string  `json:"filename"`
	PositionSeconds float64 `json:"position_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	Speed           float64 `json:"speed"`
	Loop            bool    `json:"loop"`
}
