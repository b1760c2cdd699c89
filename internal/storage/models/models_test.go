package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProfileMerge_KeepsPriorValuesOnBlank(t *testing.T) {
	p := Profile{OrganizationName: "夢想協會", ServiceCity: "台北"}

	changed := p.Merge(Profile{OrganizationName: "  ", ServiceCity: "台中", ContactInfo: "社工 王小明 0912345678"})

	assert.Equal(t, []Field{FieldServiceCity, FieldContactInfo}, changed)
	assert.Equal(t, "夢想協會", p.OrganizationName)
	assert.Equal(t, "台中", p.ServiceCity)
	assert.Equal(t, "社工 王小明 0912345678", p.ContactInfo)
}

func TestProfileMerge_SameValueIsNotAChange(t *testing.T) {
	p := Profile{ServiceTarget: "孤獨長者"}
	assert.Empty(t, p.Merge(Profile{ServiceTarget: "孤獨長者"}))
}

func TestProfileMissing(t *testing.T) {
	p := Profile{}
	assert.Equal(t, RequiredFields, p.Missing())

	p.OrganizationName = "A"
	p.ServiceCity = "B"
	p.ContactInfo = "C"
	assert.Equal(t, []Field{FieldServiceTarget}, p.Missing())

	p.ServiceTarget = "D"
	assert.Empty(t, p.Missing())
}

func TestHandoverFlagActive(t *testing.T) {
	now := time.Unix(1700000000, 0)
	f := HandoverFlag{ExpiresAt: now.Add(time.Minute)}
	assert.True(t, f.Active(now))
	assert.False(t, f.Active(now.Add(time.Minute)))
}
