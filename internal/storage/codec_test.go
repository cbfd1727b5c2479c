package storage

import (
	"encoding/json"
	"errors"
	"testing"

	"worldloom/internal/model"
)

func sampleGenome() model.Genome {
	return model.Genome{
		ID: "genome-1",
		Values: map[model.ParamRef]float64{
			{RuleID: "found_settlement", Name: "bond_strength"}: 0.8,
			{RuleID: "plague", Name: "chance"}:                  0.25,
		},
	}
}

func sampleSnapshot() model.Snapshot {
	return model.Snapshot{
		RunID:  "run-1",
		Seed:   42,
		Epochs: 4,
		Ticks:  12,
		Entities: []model.Entity{
			{ID: "e1", Kind: "settlement", Subtype: "village", Status: "thriving"},
		},
		Relationships: []model.Relationship{
			{Kind: "residence", Source: "e2", Dest: "e1", Strength: 0.8},
		},
		Pressures: map[string]float64{"unrest": 35},
	}
}

func TestGenomeRoundTrip(t *testing.T) {
	data, err := EncodeGenome(sampleGenome())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeGenome(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "genome-1" {
		t.Fatalf("unexpected id: %s", decoded.ID)
	}
	if decoded.SchemaVersion != CurrentSchemaVersion || decoded.CodecVersion != CurrentCodecVersion {
		t.Fatalf("versions not stamped: %d/%d", decoded.SchemaVersion, decoded.CodecVersion)
	}
	ref := model.ParamRef{RuleID: "found_settlement", Name: "bond_strength"}
	if decoded.Values[ref] != 0.8 {
		t.Fatalf("value lost: %v", decoded.Values[ref])
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	data, err := EncodeSnapshot(sampleSnapshot())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RunID != "run-1" || decoded.Seed != 42 {
		t.Fatalf("unexpected snapshot: %+v", decoded)
	}
	if len(decoded.Entities) != 1 || decoded.Entities[0].Kind != "settlement" {
		t.Fatalf("entities lost: %+v", decoded.Entities)
	}
	if decoded.Pressures["unrest"] != 35 {
		t.Fatalf("pressures lost: %v", decoded.Pressures)
	}
}

func TestBestResultRoundTrip(t *testing.T) {
	best := model.BestResult{
		RunID:  "run-1",
		Genome: sampleGenome(),
		Breakdown: model.FitnessBreakdown{
			Total:      0.74,
			Components: map[string]float64{"violations": 0.8},
		},
	}
	data, err := EncodeBestResult(best)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeBestResult(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RunID != "run-1" || decoded.Breakdown.Total != 0.74 {
		t.Fatalf("unexpected result: %+v", decoded)
	}
	if decoded.Breakdown.Components["violations"] != 0.8 {
		t.Fatalf("breakdown lost: %v", decoded.Breakdown.Components)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	genome := sampleGenome()
	genome.SchemaVersion = CurrentSchemaVersion + 1
	genome.CodecVersion = CurrentCodecVersion
	data, err := json.Marshal(genome)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := DecodeGenome(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}

	raw := []byte(`{"run_id":"r","schema_version":0,"codec_version":0,"entities":[],"relationships":[]}`)
	if _, err := DecodeSnapshot(raw); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestFitnessHistoryRoundTrip(t *testing.T) {
	in := []float64{0.4, 0.52, 0.61}
	data, err := EncodeFitnessHistory(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeFitnessHistory(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 3 || out[2] != 0.61 {
		t.Fatalf("history lost: %v", out)
	}
}

func TestGenerationDiagnosticsRoundTrip(t *testing.T) {
	in := []model.GenerationDiagnostics{
		{Generation: 1, BestFitness: 0.5, MeanFitness: 0.4, MinFitness: 0.3, GenomeDiversity: 4},
		{Generation: 2, BestFitness: 0.55, MeanFitness: 0.45, MinFitness: 0.35, GenomeDiversity: 3, Stagnant: true, Injected: 3},
	}
	data, err := EncodeGenerationDiagnostics(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeGenerationDiagnostics(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[1].Injected != 3 || !out[1].Stagnant {
		t.Fatalf("diagnostics lost: %+v", out)
	}
}
