package encoder

import "testing"

func TestCandidateArtifacts_EndsInUnquantized(t *testing.T) {
	chain := candidateArtifacts()
	if len(chain) == 0 {
		t.Fatal("expected a non-empty candidate chain")
	}
	if chain[len(chain)-1] != artifactUnquant {
		t.Errorf("last candidate = %q, want %q", chain[len(chain)-1], artifactUnquant)
	}
}

func TestCandidateArtifacts_StartsAtSelected(t *testing.T) {
	chain := candidateArtifacts()
	want := selectArtifact()
	if chain[0] != want {
		t.Errorf("first candidate = %q, want %q (selectArtifact result)", chain[0], want)
	}
}

func TestArtifactFileNames_Distinct(t *testing.T) {
	seen := map[string]bool{}
	for _, a := range []artifact{artifactAVX512VNNI, artifactAVX512, artifactAVX2, artifactGeneric, artifactUnquant} {
		name := a.fileName()
		if seen[name] {
			t.Errorf("duplicate file name %q for artifact %q", name, a)
		}
		seen[name] = true
	}
}
