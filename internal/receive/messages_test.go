package receive

import (
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestCropSubject(t *testing.T) {
	short := "fix the thing"
	assert.Equal(t, short, cropSubject(short))

	exact := strings.Repeat("x", subjectMaxLength)
	assert.Equal(t, exact, cropSubject(exact))

	// Whitespace within reach of the limit is kept and the rest dropped.
	words := strings.Repeat("x", 70) + " " + strings.Repeat("y", 20)
	assert.Equal(t, strings.Repeat("x", 70)+" ...", cropSubject(words))

	solid := strings.Repeat("z", 100)
	got := cropSubject(solid)
	assert.Equal(t, strings.Repeat("z", 77)+"...", got)
	assert.Len(t, got, subjectMaxLength)
}

func TestOrderLines(t *testing.T) {
	h := func(n byte) plumbing.Hash {
		var out plumbing.Hash
		out[0] = n
		return out
	}
	// Two chains: 1 <- 2 <- 3 and 4 <- 5, handed over out of order.
	lines := []successLine{
		{change: 13, commit: h(3), parent: h(2)},
		{change: 15, commit: h(5), parent: h(4)},
		{change: 11, commit: h(1), parent: h(9)},
		{change: 14, commit: h(4)},
		{change: 12, commit: h(2), parent: h(1)},
	}

	var got []int
	for _, l := range orderLines(lines) {
		got = append(got, l.change)
	}
	if diff := cmp.Diff([]int{11, 12, 13, 14, 15}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatLine(t *testing.T) {
	f := newFixture(t)
	f.cfg.Receive.CanonicalWebURL = "https://review.example.com"
	s := f.session()

	got := s.formatLine(successLine{change: 7, subject: "add feature", private: true, wip: true, isNew: true})
	assert.Equal(t, "  https://review.example.com/c/demo/+/7 add feature [PRIVATE] [WIP] [NEW]", got)

	got = s.formatLine(successLine{change: 8, subject: "tweak", edit: true})
	assert.Equal(t, "  https://review.example.com/c/demo/+/8 tweak [EDIT]", got)
}
