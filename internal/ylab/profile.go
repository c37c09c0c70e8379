// Package ylab talks to YLab instruments over a serial link: it discovers
// ports, opens them at the profile's baud rate, and turns the incoming
// line stream into frames, window entries and channel records.
package ylab

import (
	"slices"
	"strings"
)

// Profile describes one instrument model. Profiles are fixed at build time.
type Profile struct {
	Model     string   `json:"model"`
	BaudRate  int      `json:"baudRate"`
	FrameSize int      `json:"frameSize"` // samples per spectrum, power of two
	Banks     []string `json:"banks"`     // bank labels indexed by bank id
}

// BankLabel returns the label for bank id b.
func (p Profile) BankLabel(b uint8) (string, bool) {
	if int(b) >= len(p.Banks) {
		return "", false
	}
	return p.Banks[b], true
}

// HasBank reports whether b is part of the profile's bank layout.
func (p Profile) HasBank(b uint8) bool { return int(b) < len(p.Banks) }

var profiles = []Profile{
	{Model: "Pro", BaudRate: 2_000_000, FrameSize: 512, Banks: []string{"MOI", "ADC"}},
	{Model: "Zet", BaudRate: 2_000_000, FrameSize: 256, Banks: []string{"MOI", "ADC1", "ADC2", "Mo1", "Mo2"}},
	{Model: "Go", BaudRate: 1_000_000, FrameSize: 256, Banks: []string{"MOI", "ADC"}},
	{Model: "GoMotion1", BaudRate: 1_000_000, FrameSize: 128, Banks: []string{"MOI", "Analog", "Yxz"}},
	{Model: "GoMotion4", BaudRate: 1_000_000, FrameSize: 128, Banks: []string{"MOI", "Analog", "Yxz_0", "Yxz_1", "Yxz_2", "Yxz_3"}},
	{Model: "GoMotion7", BaudRate: 1_000_000, FrameSize: 128, Banks: []string{"MOI", "ADC", "Yxz_0", "Yxz_1", "Yxz_2", "Yxz_3", "Yxz_4", "Yxz_5", "Yxz_6", "Yxz_7"}},
	{Model: "GoStress", BaudRate: 1_000_000, FrameSize: 256, Banks: []string{"MOI", "ADC", "Air"}},
	{Model: "Mini", BaudRate: 125_200, FrameSize: 128, Banks: []string{"ADC"}},
}

// Profiles returns the catalog.
func Profiles() []Profile {
	out := make([]Profile, len(profiles))
	for i, p := range profiles {
		out[i] = p.clone()
	}
	return out
}

// MaxBanks is the widest bank layout in the catalog.
func MaxBanks() int {
	n := 0
	for _, p := range profiles {
		n = max(n, len(p.Banks))
	}
	return n
}

// Lookup finds a profile by model name, ignoring case.
func Lookup(model string) (Profile, bool) {
	for _, p := range profiles {
		if strings.EqualFold(p.Model, model) {
			return p.clone(), true
		}
	}
	return Profile{}, false
}

func (p Profile) clone() Profile {
	p.Banks = slices.Clone(p.Banks)
	return p
}
