package skyhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rubenfonseca/fastimage"
)

func ReadJSONFile(fname string, res interface{}) error {
	bytes, err := os.ReadFile(fname)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, res)
}

func WriteJSONFile(fname string, x interface{}) error {
	bytes, err := json.MarshalIndent(x, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(fname, bytes, 0644)
}

func JsonMarshal(x interface{}) []byte {
	bytes, err := json.Marshal(x)
	if err != nil {
		panic(err)
	}
	return bytes
}

func JsonUnmarshal(bytes []byte, x interface{}) {
	err := json.Unmarshal(bytes, x)
	if err != nil {
		panic(err)
	}
}

func JsonResponse(w http.ResponseWriter, x interface{}) {
	bytes := JsonMarshal(x)
	w.Header().Set("Content-Type", "application/json")
	w.Write(bytes)
}

func ParseJsonRequest(w http.ResponseWriter, r *http.Request, x interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(x); err != nil {
		http.Error(w, fmt.Sprintf("json decode error: %v", err), 400)
		return err
	}
	return nil
}

func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func Clip(x, lo, hi int) int {
	if x < lo {
		return lo
	} else if x > hi {
		return hi
	} else {
		return x
	}
}

// GetImageDimsFromFile reads just enough of the file header to get [width, height].
func GetImageDimsFromFile(fname string) ([2]int, error) {
	var dims [2]int
	file, err := os.Open(fname)
	if err != nil {
		return dims, err
	}
	defer file.Close()
	_, size, err := fastimage.DetectImageTypeFromReader(file)
	if err != nil {
		return dims, err
	} else if size == nil {
		return dims, fmt.Errorf("unknown image format")
	}
	dims = [2]int{int(size.Width), int(size.Height)}
	return dims, nil
}

// Like filepath.Ext but doesn't include the ".".
func Ext(fname string) string {
	ext := filepath.Ext(fname)
	if len(ext) == 0 || ext[0] != '.' {
		return ext
	} else {
		return ext[1:]
	}
}

func FileExists(fname string) bool {
	_, err := os.Stat(fname)
	return err == nil
}
