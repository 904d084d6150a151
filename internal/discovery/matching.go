// Package discovery implements SPDP participant discovery, SEDP endpoint
// discovery, and the endpoint matching rule.
package discovery

import (
	"path"

	"github.com/hdds-team/hdds/internal/qos"
)

// TopicMatch reports whether a writer and reader can be matched: same
// topic name, same type name, QoS-compatible, and partition-compatible.
func TopicMatch(writerTopic, writerType string, writerQoS qos.Policy,
	readerTopic, readerType string, readerQoS qos.Policy) bool {
	if writerTopic != readerTopic || writerType != readerType {
		return false
	}
	if !qos.Compatible(writerQoS, readerQoS) {
		return false
	}
	return PartitionsMatch(writerQoS.Partitions, readerQoS.Partitions)
}

// PartitionsMatch implements DDS Partition QoS matching: two endpoints
// match if their partition name lists share at least one pair (p1, p2)
// for which p1 glob-matches p2 or p2 glob-matches p1, or if both lists
// are empty (both default to the single partition "").
//
// Partition names are arbitrary strings with '*'/'?' glob characters
// anywhere, not dot-delimited labels with suffix-anchored wildcards, so
// matching uses path.Match's shell-glob dialect applied to whole
// partition strings.
func PartitionsMatch(a, b []string) bool {
	if len(a) == 0 {
		a = []string{""}
	}
	if len(b) == 0 {
		b = []string{""}
	}
	for _, pa := range a {
		for _, pb := range b {
			if globMatch(pa, pb) || globMatch(pb, pa) {
				return true
			}
		}
	}
	return false
}

func globMatch(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
