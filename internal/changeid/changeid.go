package changeid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const FooterKey = "Change-Id"

var (
	validRe = regexp.MustCompile(`^I[0-9a-fA-F]{40}$`)
	zeroRe  = regexp.MustCompile(`^I0+$`)
)

func New() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "I" + hex.EncodeToString(buf), nil
}

// Valid reports whether id is a well-formed, non-zero Change-Id.
func Valid(id string) bool {
	return validRe.MatchString(id) && !zeroRe.MatchString(id)
}

// FromFooter returns the Change-Id values found in the footer paragraph of a
// commit message, in order of appearance. The subject paragraph never counts
// as a footer.
func FromFooter(message string) []string {
	lines := strings.Split(strings.TrimRight(message, "\n\t "), "\n")
	start := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			start = i + 1
			break
		}
	}
	if start <= 0 {
		return nil
	}

	var ids []string
	for _, line := range lines[start:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(key), FooterKey) {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			ids = append(ids, value)
		}
	}
	return ids
}

// Last returns the effective Change-Id of a message: the last footer value.
func Last(message string) string {
	ids := FromFooter(message)
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

const ChangesPrefix = "refs/changes/"

func shard(change int) string {
	return fmt.Sprintf("%02d", change%100)
}

func PatchSetRef(change, patchSet int) string {
	return fmt.Sprintf("%s%s/%d/%d", ChangesPrefix, shard(change), change, patchSet)
}

func MetaRef(change int) string {
	return fmt.Sprintf("%s%s/%d/meta", ChangesPrefix, shard(change), change)
}

// ParsePatchSetRef extracts change and patch set numbers from a
// refs/changes/NN/C/P name.
func ParsePatchSetRef(ref string) (change, patchSet int, ok bool) {
	rest, found := strings.CutPrefix(ref, ChangesPrefix)
	if !found {
		return 0, 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return 0, 0, false
	}
	change, err := strconv.Atoi(parts[1])
	if err != nil || change <= 0 || parts[0] != shard(change) {
		return 0, 0, false
	}
	patchSet, err = strconv.Atoi(parts[2])
	if err != nil || patchSet <= 0 {
		return 0, 0, false
	}
	return change, patchSet, true
}

// EditRef holds the pending edit of user on a patch set.
func EditRef(user string, change, patchSet int) string {
	return fmt.Sprintf("refs/users/%s/edit-%d/%d", user, change, patchSet)
}

func IsMetaRef(ref string) bool {
	return strings.HasPrefix(ref, ChangesPrefix) && strings.HasSuffix(ref, "/meta")
}

// ForCommit derives the key of a change created from a commit that carries
// no Change-Id footer.
func ForCommit(sha string) string {
	return "I" + sha
}
