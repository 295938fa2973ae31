package station

import (
	"github.com/cjeanneret/stagescan/internal/config"
	"github.com/cjeanneret/stagescan/internal/hw/kinesis"
	"github.com/cjeanneret/stagescan/internal/logic/capture"
	"github.com/cjeanneret/stagescan/internal/logic/motion"
)

// ScanStatus is the scan part of a snapshot.
type ScanStatus struct {
	Axis     string          `json:"axis"`
	Running  bool            `json:"running"`
	State    string          `json:"state"`
	Progress int             `json:"progress"`
	Last     *capture.Result `json:"last,omitempty"`
	LastErr  string          `json:"last_error,omitempty"`
}

// CameraStatus is the camera part of a snapshot.
type CameraStatus struct {
	State         string                `json:"state"`
	Info          map[string]string     `json:"info,omitempty"`
	Settings      config.CameraSettings `json:"settings"`
	PreviewFrames int64                 `json:"preview_frames"`
}

// Snapshot is the state shown by the user interface.
type Snapshot struct {
	Running bool           `json:"running"`
	Axes    []motion.State `json:"axes"`
	Scan    ScanStatus     `json:"scan"`
	Camera  CameraStatus   `json:"camera"`
}

// Snapshot returns the current state of every device and of the scan.
// Axes that are not started are listed as disconnected.
func (s *Station) Snapshot() Snapshot {
	s.mu.Lock()
	running, ctrl, seq := s.running, s.ctrl, s.seq
	snap := Snapshot{
		Running: running,
		Scan: ScanStatus{
			Axis:     s.cfg.Scan.Axis,
			Running:  s.scanning,
			State:    capture.Idle.String(),
			Progress: s.progress,
		},
		Camera: CameraStatus{Settings: s.camSettings},
	}
	if s.lastScan != nil {
		last := *s.lastScan
		snap.Scan.Last = &last
		if last.Err != nil {
			snap.Scan.LastErr = last.Err.Error()
		}
	}
	s.mu.Unlock()

	if ctrl != nil {
		snap.Axes = ctrl.States()
	} else {
		for _, a := range s.cfg.Axes {
			entry := s.classes.Resolve(a.Serial)
			snap.Axes = append(snap.Axes, motion.State{
				Name:       a.Name,
				Serial:     a.Serial,
				Class:      entry.Class.String(),
				JogStep:    a.JogStepMm,
				Connection: kinesis.Disconnected.String(),
			})
		}
	}
	if seq != nil {
		snap.Scan.State = seq.State().String()
	}

	snap.Camera.State = s.camera.State().String()
	snap.Camera.Info = s.camera.DeviceInfo()
	snap.Camera.PreviewFrames = s.preview.Frames()
	return snap
}
