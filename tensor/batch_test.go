package tensor

import (
	"reflect"
	"testing"
)

// seq returns an NCHW tensor whose values are their flat index.
func seq(n, c, h, w int) *Tensor {
	t := MustZeros(n, c, h, w)
	for i := range t.Data {
		t.Data[i] = float32(i)
	}
	return t
}

func TestGather(t *testing.T) {
	src := seq(3, 1, 1, 2)
	out, err := Gather(src, []int{2, 0})
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	expected := []float32{4, 5, 0, 1}
	if !reflect.DeepEqual(out.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, out.Data)
	}
	if out.Shape[0] != 2 {
		t.Errorf("Expected 2 rows, got %d", out.Shape[0])
	}

	if _, err := Gather(src, []int{3}); err == nil {
		t.Error("Expected out of range error")
	}
}

func TestCrop(t *testing.T) {
	src := seq(2, 1, 4, 4)
	out, err := Crop(src, []int{0, 2}, []int{1, 2}, 2, 2)
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}
	if !reflect.DeepEqual(out.Shape, []int{2, 1, 2, 2}) {
		t.Fatalf("Expected shape [2 1 2 2], got %v", out.Shape)
	}
	expected := []float32{
		1, 2, 5, 6, // sample 0 at (0,1)
		26, 27, 30, 31, // sample 1 at (2,2), offset 16
	}
	if !reflect.DeepEqual(out.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, out.Data)
	}

	if _, err := Crop(src, []int{3, 0}, []int{0, 0}, 2, 2); err == nil {
		t.Error("Expected out of bounds error")
	}
}

func TestFlipLR(t *testing.T) {
	tt := seq(2, 1, 1, 3)
	if err := FlipLR(tt, []bool{true, false}); err != nil {
		t.Fatalf("FlipLR failed: %v", err)
	}
	expected := []float32{2, 1, 0, 3, 4, 5}
	if !reflect.DeepEqual(tt.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, tt.Data)
	}

	if err := FlipLR(tt, nil); err != nil {
		t.Fatalf("FlipLR failed: %v", err)
	}
	expected = []float32{0, 1, 2, 5, 4, 3}
	if !reflect.DeepEqual(tt.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, tt.Data)
	}
}

func TestCutout(t *testing.T) {
	tt, _ := Full([]int{1, 2, 4, 4}, 1)
	if err := Cutout(tt, []int{1}, []int{2}, 2, 2); err != nil {
		t.Fatalf("Cutout failed: %v", err)
	}
	zeros := 0
	for ch := 0; ch < 2; ch++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				v := tt.Data[(ch*4+y)*4+x]
				inside := y >= 1 && y < 3 && x >= 2 && x < 4
				if inside && v != 0 {
					t.Errorf("Expected zero inside cutout at c=%d y=%d x=%d", ch, y, x)
				}
				if !inside && v != 1 {
					t.Errorf("Expected untouched value outside cutout at c=%d y=%d x=%d", ch, y, x)
				}
				if v == 0 {
					zeros++
				}
			}
		}
	}
	if zeros != 8 {
		t.Errorf("Expected 8 zeroed values, got %d", zeros)
	}
}

func TestMix(t *testing.T) {
	src, _ := NewTensor([]int{2, 2}, []float32{1, 1, 3, 3})
	out, err := Mix(src, []int{1, 0}, []float32{0.75, 0.5})
	if err != nil {
		t.Fatalf("Mix failed: %v", err)
	}
	expected := []float32{1.5, 1.5, 2, 2}
	if !reflect.DeepEqual(out.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, out.Data)
	}
	if src.Data[0] != 1 {
		t.Error("Mix must not modify its input")
	}
}

func TestPadReflectAndCenterCrop(t *testing.T) {
	src := seq(1, 1, 3, 3)
	padded, err := PadReflect(src, 1)
	if err != nil {
		t.Fatalf("PadReflect failed: %v", err)
	}
	if !reflect.DeepEqual(padded.Shape, []int{1, 1, 5, 5}) {
		t.Fatalf("Expected shape [1 1 5 5], got %v", padded.Shape)
	}
	// first padded row mirrors source row 1
	expectedRow := []float32{4, 3, 4, 5, 4}
	if !reflect.DeepEqual(padded.Data[:5], expectedRow) {
		t.Errorf("Expected first row %v, got %v", expectedRow, padded.Data[:5])
	}

	cropped, err := CenterCrop(padded, 1)
	if err != nil {
		t.Fatalf("CenterCrop failed: %v", err)
	}
	if !reflect.DeepEqual(cropped.Data, src.Data) {
		t.Errorf("Expected center crop to undo padding, got %v", cropped.Data)
	}
}

func TestFromNHWC(t *testing.T) {
	// one 1x2 image with 3 channels: pixels (0,1,2) and (3,4,5)
	out, err := FromNHWC([]uint8{0, 1, 2, 3, 4, 5}, 1, 1, 2, 3)
	if err != nil {
		t.Fatalf("FromNHWC failed: %v", err)
	}
	expected := []float32{0, 3, 1, 4, 2, 5}
	if !reflect.DeepEqual(out.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, out.Data)
	}
}
