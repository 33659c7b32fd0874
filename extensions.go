package mls

import (
	"fmt"
	"time"

	"github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeSupportedVersions     ExtensionType = 0x0001
	ExtensionTypeSupportedCipherSuites ExtensionType = 0x0002
	ExtensionTypeLifetime              ExtensionType = 0x0003
	ExtensionTypeRatchetTree           ExtensionType = 0x0005
)

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=2"`
}

func NewExtensionList() ExtensionList {
	return ExtensionList{[]Extension{}}
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	// Otherwise append
	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Has(extType ExtensionType) bool {
	for _, ext := range el.Entries {
		if ext.ExtensionType == extType {
			return true
		}
	}
	return false
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			read, err := syntax.Unmarshal(ext.ExtensionData, dst)
			if err != nil {
				return true, err
			}

			if read != len(ext.ExtensionData) {
				return true, fmt.Errorf("Extension failed to consume all data")
			}

			return true, nil
		}
	}
	return false, nil
}

//////////

type SupportedVersionsExtension struct {
	Versions []ProtocolVersion `tls:"head=1"`
}

func (sve SupportedVersionsExtension) Type() ExtensionType {
	return ExtensionTypeSupportedVersions
}

type SupportedCipherSuitesExtension struct {
	CipherSuites []CipherSuite `tls:"head=1"`
}

func (sce SupportedCipherSuitesExtension) Type() ExtensionType {
	return ExtensionTypeSupportedCipherSuites
}

// struct {
//     uint64 not_before;
//     uint64 not_after;
// } LifetimeExtension;
type LifetimeExtension struct {
	NotBefore uint64
	NotAfter  uint64
}

func NewLifetimeExtension(validity time.Duration) LifetimeExtension {
	now := time.Now()
	return LifetimeExtension{
		NotBefore: uint64(now.Add(-time.Hour).Unix()),
		NotAfter:  uint64(now.Add(validity).Unix()),
	}
}

func (lte LifetimeExtension) Type() ExtensionType {
	return ExtensionTypeLifetime
}

func (lte LifetimeExtension) Valid(now time.Time) bool {
	ts := uint64(now.Unix())
	return lte.NotBefore <= ts && ts <= lte.NotAfter
}

// Carries the full public tree inside a GroupInfo, so a joiner does not need
// it out of band.
type RatchetTreeExtension struct {
	Tree RatchetTree
}

func (rte RatchetTreeExtension) Type() ExtensionType {
	return ExtensionTypeRatchetTree
}
