package recorder

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpapenbr/racetimer-go/pkg/model"
)

// accuracyThreshold is the max difference between measured and target fps for a
// recording to be considered accurate.
const accuracyThreshold = 2.0

// Metadata describes a finished recording. It is written next to the video.
type Metadata struct {
	VideoPath   string
	Start       time.Time
	Frames      uint64
	Quality     string
	TargetFPS   float64
	MeasuredFPS float64
	Duration    time.Duration
	Resolution  model.Resolution
	Codec       Codec
}

func (m Metadata) Accurate() bool {
	return m.MeasuredFPS > 0 && math.Abs(m.MeasuredFPS-m.TargetFPS) < accuracyThreshold
}

// MetadataPath returns the sidecar file name for the video at videoPath.
func MetadataPath(videoPath string) string {
	return strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + "_metadata.txt"
}

func (m Metadata) String() string {
	var b strings.Builder
	b.WriteString("Race Timer Recording Metadata\n")
	b.WriteString(strings.Repeat("=", 30) + "\n\n")
	fmt.Fprintf(&b, "Video File: %s\n", filepath.Base(m.VideoPath))
	fmt.Fprintf(&b, "Recording Start: %s\n", m.Start.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(&b, "Total Frames: %d\n", m.Frames)
	fmt.Fprintf(&b, "Video Quality: %s\n", m.Quality)
	fmt.Fprintf(&b, "Recording FPS: %.2f fps\n", m.TargetFPS)
	if m.Frames > 0 && m.Duration > 0 {
		fmt.Fprintf(&b, "Actual Recording Duration: %s\n", FormatElapsed(m.Duration))
		fmt.Fprintf(&b, "Actual Frame Rate: %.2f fps\n", m.MeasuredFPS)
		accuracy := "Mismatch"
		if m.Accurate() {
			accuracy = "Good"
		}
		fmt.Fprintf(&b, "Frame Rate Accuracy: %s\n", accuracy)
	}
	fmt.Fprintf(&b, "Resolution: %s\n", m.Resolution)
	fmt.Fprintf(&b, "\nVideo Codec: %s\n", m.Codec)
	return b.String()
}

// Write stores the metadata at MetadataPath(m.VideoPath).
func (m Metadata) Write() error {
	//nolint:gosec // not a secret
	return os.WriteFile(MetadataPath(m.VideoPath), []byte(m.String()), 0o644)
}
