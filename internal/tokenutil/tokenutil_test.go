package tokenutil

import "testing"

func TestEstimateTokens_Empty(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty content = %d tokens, want 0", got)
	}
}

func TestEstimateTokens_ProseUsesWordEstimate(t *testing.T) {
	// 13 words: 13*1.33 = 17, which beats the 63/4 = 15 byte floor.
	content := "The quick brown fox jumps over the lazy dog near the river bank"
	if got := EstimateTokens(content); got != 17 {
		t.Fatalf("prose = %d tokens, want 17", got)
	}
}

func TestEstimateTokens_DenseContentUsesByteFloor(t *testing.T) {
	// 4 words would give 5; 37 bytes / 4 = 9 wins.
	code := `func main() { fmt.Println("hello") }`
	if got := EstimateTokens(code); got != 9 {
		t.Fatalf("code = %d tokens, want 9", got)
	}
	// One CJK "word" of 24 UTF-8 bytes; the byte floor charges 6.
	cjk := "你好世界欢迎光临"
	if got := EstimateTokens(cjk); got != 6 {
		t.Fatalf("cjk = %d tokens, want 6", got)
	}
}
