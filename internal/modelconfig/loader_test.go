package modelconfig

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `{
  "layers": [
    {
      "layer_config": {
        "name": "conv1",
        "type": "CONV",
        "in_channels": 3,
        "out_channels": 8,
        "kernel_size": 3,
        "stride": 1,
        "padding": 1,
        "groups": 1,
        "residual_add_to": null,
        "residual_connect_from": null
      },
      "quant_params": {
        "s_in": 0.02,
        "z_in": 128,
        "s_w": [0.01],
        "z_w": [0],
        "m": [0.0001, 0.0002, 0.0001, 0.0002, 0.0001, 0.0002, 0.0001, 0.0002],
        "s_out": 0.03,
        "z_out": 120,
        "s_residual_out": null,
        "z_residual_out": null
      }
    },
    {
      "layer_config": {
        "name": "fc1",
        "type": 3,
        "in_channels": 8,
        "out_channels": 10,
        "kernel_size": 0,
        "stride": 0,
        "padding": 0,
        "groups": 0
      },
      "quant_params": {
        "s_in": 0.03,
        "z_in": 120,
        "s_w": [0.02],
        "z_w": [0],
        "m": [0.0001,0.0001,0.0001,0.0001,0.0001,0.0001,0.0001,0.0001,0.0001,0.0001],
        "s_out": 0.05,
        "z_out": 100
      }
    }
  ]
}`

func TestDecodeValid(t *testing.T) {
	layers, quants, err := Decode(strings.NewReader(validDoc))
	require.NoError(t, err)
	require.Len(t, layers, 2)
	require.Len(t, quants, 2)

	assert.Equal(t, "conv1", layers[0].Name)
	assert.Equal(t, Conv, layers[0].Type)
	assert.Equal(t, 0, layers[0].LayerIdx)

	assert.Equal(t, "fc1", layers[1].Name)
	assert.Equal(t, FC, layers[1].Type)
	assert.Equal(t, 1, layers[1].LayerIdx)
	assert.Len(t, quants[1].M, 10)
}

func TestDecodeMissingName(t *testing.T) {
	doc := strings.Replace(validDoc, `"name": "conv1",`, `"name": "",`, 1)
	_, _, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestDecodeBadLayerType(t *testing.T) {
	doc := strings.Replace(validDoc, `"type": "CONV"`, `"type": "BOGUS"`, 1)
	_, _, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
}

func TestDecodeMismatchedMultiplierLength(t *testing.T) {
	doc := strings.Replace(validDoc, `"m": [0.0001, 0.0002, 0.0001, 0.0002, 0.0001, 0.0002, 0.0001, 0.0002],`, `"m": [0.0001],`, 1)
	_, _, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
	var invalidErr *InvalidError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, 0, invalidErr.Index)
}

func TestDecodeEmptyLayers(t *testing.T) {
	_, _, err := Decode(strings.NewReader(`{"layers": []}`))
	assert.Error(t, err)
}
