// Package printdna computes a deterministic geometric fingerprint for
// STL files and maintains the append-only print-outcome history,
// generalized from original_source/kiln/src/kiln/print_dna.py's STL
// parser and complexity heuristic, backed by storage.PrintDNARepository.
// The scheduler does not read this history.
package printdna

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/storage"
)

var validOutcomes = map[string]bool{"success": true, "failed": true, "partial": true}
var validGrades = map[string]bool{"A": true, "B": true, "C": true, "D": true, "F": true}

// Fingerprint is a model's geometric fingerprint — deterministic given
// identical STL bytes.
type Fingerprint struct {
	FileHash           string
	TriangleCount      int64
	VertexCount        int64
	BBox               [3]float64 // width (x), depth (y), height (z)
	SurfaceAreaMM2     float64
	VolumeMM3          float64
	OverhangRatio      float64
	ComplexityScore    float64
	GeometricSignature string
}

type vertex [3]float64

// ComputeFingerprint parses an STL file (binary or ASCII) and computes its
// fingerprint. Mirrors the teacher's approach to parsing vendor wire
// formats defensively (size checks before indexing) rather than
// trusting declared lengths.
func ComputeFingerprint(data []byte) (Fingerprint, error) {
	if len(data) == 0 {
		return Fingerprint{}, kerrors.New(kerrors.KindValidation, "empty STL file")
	}
	sum := sha256.Sum256(data)
	fileHash := hex.EncodeToString(sum[:])

	var triangles [][4]vertex // v0,v1,v2,normal
	var err error
	if isASCIISTL(data) {
		triangles, err = parseASCIISTL(data)
	} else {
		triangles, err = parseBinarySTL(data)
	}
	if err != nil {
		return Fingerprint{}, err
	}
	if len(triangles) == 0 {
		return Fingerprint{}, kerrors.New(kerrors.KindValidation, "no triangles found in STL file")
	}

	uniqueVerts := make(map[vertex]struct{})
	minX, minY, minZ := math.Inf(1), math.Inf(1), math.Inf(1)
	maxX, maxY, maxZ := math.Inf(-1), math.Inf(-1), math.Inf(-1)
	var surfaceArea, volume float64
	var overhangCount int64

	for _, tri := range triangles {
		v0, v1, v2, normal := tri[0], tri[1], tri[2], tri[3]
		for _, v := range []vertex{v0, v1, v2} {
			uniqueVerts[v] = struct{}{}
			minX, maxX = math.Min(minX, v[0]), math.Max(maxX, v[0])
			minY, maxY = math.Min(minY, v[1]), math.Max(maxY, v[1])
			minZ, maxZ = math.Min(minZ, v[2]), math.Max(maxZ, v[2])
		}
		surfaceArea += triangleArea(v0, v1, v2)
		volume += signedVolume(v0, v1, v2)
		if normal[2] < -0.5 {
			overhangCount++
		}
	}
	volume = math.Abs(volume)

	triangleCount := int64(len(triangles))
	overhangRatio := float64(overhangCount) / float64(triangleCount)

	bboxDims := [3]float64{maxX - minX, maxY - minY, maxZ - minZ}
	bboxVol := math.Max(bboxDims[0]*bboxDims[1]*bboxDims[2], 1e-6)
	triDensity := float64(triangleCount) / math.Cbrt(bboxVol)
	complexity := clamp01(1.0 - 1.0/(1.0+triDensity/100.0))

	sigData := fmt.Sprintf("%d:%d:%.2f:%.2f", triangleCount, len(uniqueVerts), surfaceArea, volume)
	sigSum := sha256.Sum256([]byte(sigData))
	geometricSignature := hex.EncodeToString(sigSum[:])[:16]

	return Fingerprint{
		FileHash:           fileHash,
		TriangleCount:      triangleCount,
		VertexCount:        int64(len(uniqueVerts)),
		BBox:               bboxDims,
		SurfaceAreaMM2:      round4(surfaceArea),
		VolumeMM3:          round4(volume),
		OverhangRatio:      round4(overhangRatio),
		ComplexityScore:    round4(complexity),
		GeometricSignature: geometricSignature,
	}, nil
}

func isASCIISTL(data []byte) bool {
	head := data
	if len(head) > 5 {
		head = head[:5]
	}
	return bytes.EqualFold(head, []byte("solid")) && bytes.Contains(firstN(data, 1000), []byte("facet"))
}

func firstN(data []byte, n int) []byte {
	if len(data) < n {
		return data
	}
	return data[:n]
}

func parseBinarySTL(data []byte) ([][4]vertex, error) {
	if len(data) < 84 {
		return nil, kerrors.New(kerrors.KindValidation, "file too small to be a valid STL")
	}
	numTriangles := binary.LittleEndian.Uint32(data[80:84])
	expectedSize := 84 + int(numTriangles)*50
	if len(data) < expectedSize {
		return nil, kerrors.New(kerrors.KindValidation, "binary STL declares more triangles than the file contains")
	}

	triangles := make([][4]vertex, 0, numTriangles)
	offset := 84
	for i := uint32(0); i < numTriangles; i++ {
		normal := readVec3(data, offset)
		offset += 12
		v0 := readVec3(data, offset)
		offset += 12
		v1 := readVec3(data, offset)
		offset += 12
		v2 := readVec3(data, offset)
		offset += 12
		offset += 2 // attribute byte count
		triangles = append(triangles, [4]vertex{v0, v1, v2, normal})
	}
	return triangles, nil
}

func readVec3(data []byte, offset int) vertex {
	x := math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
	y := math.Float32frombits(binary.LittleEndian.Uint32(data[offset+4:]))
	z := math.Float32frombits(binary.LittleEndian.Uint32(data[offset+8:]))
	return vertex{float64(x), float64(y), float64(z)}
}

func parseASCIISTL(data []byte) ([][4]vertex, error) {
	var triangles [][4]vertex
	var normal vertex
	var verts []vertex

	lines := bytes.Split(data, []byte("\n"))
	for _, line := range lines {
		fields := bytes.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch {
		case string(fields[0]) == "facet" && len(fields) >= 5 && string(fields[1]) == "normal":
			var n vertex
			if _, err := fmt.Sscanf(string(fields[2]), "%f", &n[0]); err == nil {
				fmt.Sscanf(string(fields[3]), "%f", &n[1])
				fmt.Sscanf(string(fields[4]), "%f", &n[2])
			}
			normal = n
			verts = nil
		case string(fields[0]) == "vertex" && len(fields) >= 4:
			var v vertex
			fmt.Sscanf(string(fields[1]), "%f", &v[0])
			fmt.Sscanf(string(fields[2]), "%f", &v[1])
			fmt.Sscanf(string(fields[3]), "%f", &v[2])
			verts = append(verts, v)
		case string(fields[0]) == "endfacet":
			if len(verts) == 3 {
				triangles = append(triangles, [4]vertex{verts[0], verts[1], verts[2], normal})
			}
		}
	}
	return triangles, nil
}

func triangleArea(v0, v1, v2 vertex) float64 {
	ax, ay, az := v1[0]-v0[0], v1[1]-v0[1], v1[2]-v0[2]
	bx, by, bz := v2[0]-v0[0], v2[1]-v0[1], v2[2]-v0[2]
	cx := ay*bz - az*by
	cy := az*bx - ax*bz
	cz := ax*by - ay*bx
	return 0.5 * math.Sqrt(cx*cx+cy*cy+cz*cz)
}

func signedVolume(v0, v1, v2 vertex) float64 {
	return (v0[0]*(v1[1]*v2[2]-v2[1]*v1[2]) -
		v1[0]*(v0[1]*v2[2]-v2[1]*v0[2]) +
		v2[0]*(v0[1]*v1[2]-v1[1]*v0[2])) / 6.0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

// Prediction is the router's settings recommendation derived from
// historical print DNA.
type Prediction struct {
	RecommendedSettings map[string]any
	Confidence          float64
	BasedOnPrints       int
	SuccessRate         float64
	SimilarModelsCount  int
	Source              string // "exact_match" | "similar_geometry" | "material_default"
}

// Store wraps storage.PrintDNARepository with the append/predict API.
type Store struct {
	repo storage.PrintDNARepository
}

func New(repo storage.PrintDNARepository) *Store {
	return &Store{repo: repo}
}

// RecordAttempt appends one print attempt's outcome, linked to fp, to
// the learning history.
func (s *Store) RecordAttempt(ctx context.Context, fp Fingerprint, printerModel, material string, settings map[string]any, outcome string, qualityGrade, failureMode string, printTimeSeconds float64) error {
	if !validOutcomes[outcome] {
		return kerrors.New(kerrors.KindValidation, "invalid outcome").WithDetail("outcome", outcome)
	}
	if qualityGrade != "" && !validGrades[qualityGrade] {
		return kerrors.New(kerrors.KindValidation, "invalid quality_grade").WithDetail("quality_grade", qualityGrade)
	}

	record := &storage.PrintDNARecord{
		FileHash:           fp.FileHash,
		GeometricSignature: fp.GeometricSignature,
		TriangleCount:      fp.TriangleCount,
		BBox:               fp.BBox,
		Volume:             fp.VolumeMM3,
		SurfaceArea:        fp.SurfaceAreaMM2,
		PrinterModel:       printerModel,
		Material:           material,
		Settings:           settings,
		Outcome:            outcome,
		PrintTimeS:         printTimeSeconds,
		Timestamp:          time.Now(),
	}
	if qualityGrade != "" {
		record.QualityGrade = &qualityGrade
	}
	if failureMode != "" {
		record.FailureMode = &failureMode
	}
	return s.repo.AppendRecord(ctx, record)
}

// PredictSettings searches exact file-hash matches first, then falls
// back to geometrically similar models, then a caller-supplied
// material default — mirroring the original's three-tier strategy.
func (s *Store) PredictSettings(ctx context.Context, fp Fingerprint, printerModel, material string, materialDefault map[string]any) (Prediction, error) {
	exact, err := s.repo.ByFileHash(ctx, fp.FileHash)
	if err != nil {
		return Prediction{}, err
	}
	if filtered := filterSuccessful(exact, printerModel, material); len(filtered) > 0 {
		return aggregate(filtered, "exact_match"), nil
	}

	similar, err := s.repo.ByGeometricSignature(ctx, fp.GeometricSignature)
	if err != nil {
		return Prediction{}, err
	}
	if filtered := filterSuccessful(similar, printerModel, material); len(filtered) > 0 {
		return aggregate(filtered, "similar_geometry"), nil
	}

	return Prediction{
		RecommendedSettings: materialDefault,
		Confidence:          0.2,
		BasedOnPrints:       0,
		SuccessRate:         0,
		SimilarModelsCount:  0,
		Source:              "material_default",
	}, nil
}

func filterSuccessful(records []*storage.PrintDNARecord, printerModel, material string) []*storage.PrintDNARecord {
	out := make([]*storage.PrintDNARecord, 0, len(records))
	for _, r := range records {
		if r.Outcome == "success" && r.PrinterModel == printerModel && r.Material == material {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}

func aggregate(records []*storage.PrintDNARecord, source string) Prediction {
	settings := records[0].Settings
	confidence := math.Min(1.0, 0.3+0.05*float64(len(records)))
	return Prediction{
		RecommendedSettings: settings,
		Confidence:          round4(confidence),
		BasedOnPrints:       len(records),
		SuccessRate:         1.0, // filtered to successes only, matching the original's exact/similar strategies
		SimilarModelsCount:  len(records),
		Source:              source,
	}
}
