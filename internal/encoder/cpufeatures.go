package encoder

import "golang.org/x/sys/cpu"

// artifact names the quantized model variant selected for the host CPU.
type artifact string

const (
	artifactAVX512VNNI artifact = "avx512vnni"
	artifactAVX512     artifact = "avx512"
	artifactAVX2       artifact = "avx2"
	artifactGeneric    artifact = "generic-quantized"
	artifactUnquant    artifact = "unquantized"
)

// fileName is the model file specmemd looks for under the model directory
// for a given artifact tier.
func (a artifact) fileName() string {
	switch a {
	case artifactAVX512VNNI:
		return "model.avx512_vnni.onnx"
	case artifactAVX512:
		return "model.avx512.onnx"
	case artifactAVX2:
		return "model.avx2.onnx"
	case artifactGeneric:
		return "model.int8.onnx"
	default:
		return "model.onnx"
	}
}

// selectArtifact returns the best quantized artifact tier the host CPU
// supports, preferring AVX-512-VNNI, AVX-512, AVX2, generic quantized,
// unquantized in that order.
func selectArtifact() artifact {
	switch {
	case cpu.X86.HasAVX512VNNI && cpu.X86.HasAVX512F:
		return artifactAVX512VNNI
	case cpu.X86.HasAVX512F:
		return artifactAVX512
	case cpu.X86.HasAVX2:
		return artifactAVX2
	default:
		return artifactGeneric
	}
}

// candidateArtifacts returns the fallback chain starting from the host's
// preferred artifact down to the unquantized baseline, so load() can walk
// it until it finds a file that actually exists on disk.
func candidateArtifacts() []artifact {
	preferred := selectArtifact()
	all := []artifact{artifactAVX512VNNI, artifactAVX512, artifactAVX2, artifactGeneric, artifactUnquant}
	for i, a := range all {
		if a == preferred {
			return append([]artifact{}, all[i:]...)
		}
	}
	return all
}
