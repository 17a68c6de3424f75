package goprobe

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const metadataXML = `<?xml version="1.0" encoding="UTF-8"?>
<PowerSupplyMetadata>
  <Model>PS03</Model>
  <SerialNumber>1234</SerialNumber>
  <Firmware>1.2.0</Firmware>
</PowerSupplyMetadata>`

func TestParseSupplyMetadata(t *testing.T) {
	md, err := ParseSupplyMetadata([]byte(metadataXML))
	require.NoError(t, err)
	assert.Equal(t, "PS03", md.Model)
	assert.Equal(t, "1234", md.SerialNumber)

	_, err = ParseSupplyMetadata([]byte("<PowerSupplyMetadata></PowerSupplyMetadata>"))
	assert.Error(t, err)
	_, err = ParseSupplyMetadata([]byte("not xml"))
	assert.Error(t, err)
}

func TestFetchSupplyMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/PowerSupplyMetadata.xml" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(metadataXML))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	md, err := FetchSupplyMetadata(context.Background(), srv.Client(), host)
	require.NoError(t, err)
	assert.Equal(t, "PS03", md.Model)

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	_, err = FetchSupplyMetadata(context.Background(), missing.Client(), strings.TrimPrefix(missing.URL, "http://"))
	assert.Error(t, err)
}

func TestFoundString(t *testing.T) {
	f := Found{Transport: TransportLAN, Address: "192.168.1.20", Model: "PS02", SerialNumber: "77"}
	assert.Contains(t, f.String(), "192.168.1.20")
	assert.Contains(t, f.String(), "PS02")
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, LevelFor(true, false))
	log.Debug().Str("channel", "CH1").Msg("identified")
	log.Trace().Msg("hidden")
	out := buf.String()
	assert.Contains(t, out, "identified")
	assert.Contains(t, out, "CH1")
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, zerolog.TraceLevel, LevelFor(true, true))
	assert.Equal(t, zerolog.InfoLevel, LevelFor(false, false))
}
