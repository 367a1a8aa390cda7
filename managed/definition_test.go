package managed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/mmate-managed/provider/providertest"
)

func TestDefinitionValidate(t *testing.T) {
	valid := func() *Definition {
		return &Definition{
			Name:              "main",
			Factory:           providertest.NewBroker(),
			ReconnectionDelay: DefaultReconnectionDelay,
		}
	}

	tests := []struct {
		name    string
		mutate  func(d *Definition)
		wantErr bool
	}{
		{"valid", func(d *Definition) {}, false},
		{"zero delay", func(d *Definition) { d.ReconnectionDelay = 0 }, false},
		{"missing name", func(d *Definition) { d.Name = "" }, true},
		{"missing factory", func(d *Definition) { d.Factory = nil }, true},
		{"negative delay", func(d *Definition) { d.ReconnectionDelay = -time.Second }, true},
		{"client id without managed threads", func(d *Definition) {
			d.NoManagedThreads = true
			d.ShouldSetClientID = true
			d.ClientID = "id"
		}, true},
		{"empty client id", func(d *Definition) { d.ShouldSetClientID = true }, true},
		{"client id", func(d *Definition) {
			d.ShouldSetClientID = true
			d.ClientID = "id"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(d)
			err := d.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDefinition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
