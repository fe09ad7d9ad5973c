// Package telemetry persists interferogram sweeps as CSV files in dated
// run folders, with raw, processed and averaged subfolders
package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/ftsctl/labjack"
)

const (
	// RawFolder holds sweeps as captured
	RawFolder = "raw"

	// ProcessedFolder holds detrended sweeps
	ProcessedFolder = "processed"

	// AverageFolder holds the average over the processed sweeps of a run
	AverageFolder = "average_processed"

	filePrefix = "sweep"
)

// header is the column layout of a sweep CSV.  Start and End bracket the
// scan in time, position is in encoder counts and the detector in volts.
var header = []string{"Start", "Mirror Position", "Bolometer Data (V)", "End"}

// WriteCSV writes samples to w in the sweep CSV layout
func WriteCSV(w io.Writer, samples []labjack.Sample) error {
	cw := csv.NewWriter(w)
	err := cw.Write(header)
	if err != nil {
		return err
	}
	for i, s := range samples {
		end := s.Time
		if i+1 < len(samples) {
			end = samples[i+1].Time
		}
		rec := []string{
			s.Time.Format(time.RFC3339Nano),
			strconv.FormatFloat(s.Pos, 'G', -1, 64),
			strconv.FormatFloat(s.Volt, 'G', -1, 64),
			end.Format(time.RFC3339Nano)}
		err = cw.Write(rec)
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a sweep CSV back into samples
func ReadCSV(r io.Reader) ([]labjack.Sample, error) {
	cr := csv.NewReader(r)
	var out []labjack.Sample
	skip := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		if skip {
			skip = false
			continue
		}
		if len(rec) < 3 {
			return out, fmt.Errorf("telemetry: truncated record %v", rec)
		}
		t, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return out, err
		}
		pos, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return out, err
		}
		volt, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return out, err
		}
		out = append(out, labjack.Sample{Time: t, Pos: pos, Volt: volt})
	}
	return out, nil
}

// SaveCSV writes samples to a new file at fn
func SaveCSV(fn string, samples []labjack.Sample) error {
	fid, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer fid.Close()
	return WriteCSV(fid, samples)
}

// LoadCSV reads the samples in the file at fn
func LoadCSV(fn string) ([]labjack.Sample, error) {
	fid, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer fid.Close()
	return ReadCSV(fid)
}

// Run is one measurement session, a yyyy-mm-dd folder under Root with raw,
// processed and average_processed subfolders.  It is not thread safe.
type Run struct {
	// Root is the parent of the dated run folders
	Root string

	dir     string
	counter int
}

// NewRun creates the folder tree for a run dated today
func NewRun(root string) (*Run, error) {
	now := time.Now()
	dir := path.Join(root, fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day()))
	for _, sub := range []string{RawFolder, ProcessedFolder, AverageFolder} {
		err := os.MkdirAll(path.Join(dir, sub), 0777)
		if err != nil {
			return nil, err
		}
	}
	r := &Run{Root: root, dir: dir}
	r.Incr()
	return r, nil
}

// Dir returns the dated folder of the run
func (r *Run) Dir() string {
	return r.dir
}

// Counter returns the index the next sweep will be saved under
func (r *Run) Counter() int {
	return r.counter
}

// Incr updates the sweep counter; it scans the raw folder to do so, so a
// restarted run continues numbering where the last one stopped
func (r *Run) Incr() {
	files, err := os.ReadDir(path.Join(r.dir, RawFolder))
	if err != nil {
		return
	}
	count := -1
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".csv") || !strings.HasPrefix(fn, filePrefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, filePrefix), ".csv")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if n > count {
			count = n
		}
	}
	r.counter = count + 1
}

func (r *Run) sweepPath(folder string, idx int) string {
	return path.Join(r.dir, folder, fmt.Sprintf("%s%03d.csv", filePrefix, idx))
}

// SaveRaw stores a sweep as captured and advances the counter
func (r *Run) SaveRaw(samples []labjack.Sample) (string, error) {
	fn := r.sweepPath(RawFolder, r.counter)
	err := SaveCSV(fn, samples)
	if err != nil {
		return "", err
	}
	r.counter++
	return fn, nil
}

// SaveProcessed stores the detrended form of sweep idx
func (r *Run) SaveProcessed(idx int, samples []labjack.Sample) (string, error) {
	fn := r.sweepPath(ProcessedFolder, idx)
	return fn, SaveCSV(fn, samples)
}

// SaveAverage stores the average over the processed sweeps of the run
func (r *Run) SaveAverage(samples []labjack.Sample) (string, error) {
	fn := path.Join(r.dir, AverageFolder, "average.csv")
	return fn, SaveCSV(fn, samples)
}

// SweepFiles lists the sweep CSVs under one subfolder of a run directory
// in index order
func SweepFiles(runDir, folder string) ([]string, error) {
	dir := path.Join(runDir, folder)
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".csv") {
			continue
		}
		out = append(out, path.Join(dir, file.Name()))
	}
	return out, nil
}

// Raws lists the raw sweep files of the run, including those written by
// earlier sessions in the same folder
func (r *Run) Raws() ([]string, error) {
	return SweepFiles(r.dir, RawFolder)
}

// Processed lists the processed sweep files of the run in index order
func (r *Run) Processed() ([]string, error) {
	return SweepFiles(r.dir, ProcessedFolder)
}
