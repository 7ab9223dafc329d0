package stash

// Scene is the subset of a stash scene the generator reads.
type Scene struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Details    string      `json:"details"`
	Director   string      `json:"director"`
	Date       string      `json:"date"`
	Studio     *Studio     `json:"studio"`
	Performers []Performer `json:"performers"`
	Tags       []Tag       `json:"tags"`
	Files      []File      `json:"files"`
	Galleries  []Gallery   `json:"galleries"`
	Paths      Paths       `json:"paths"`
}

type Studio struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	ImagePath    string `json:"image_path"`
	ParentStudio *struct {
		URL string `json:"url"`
	} `json:"parent_studio"`
}

type Performer struct {
	Name         string `json:"name"`
	Gender       string `json:"gender"`
	Country      string `json:"country"`
	Ethnicity    string `json:"ethnicity"`
	HairColor    string `json:"hair_color"`
	EyeColor     string `json:"eye_color"`
	Measurements string `json:"measurements"`
	FakeTits     string `json:"fake_tits"`
	Circumcised  string `json:"circumcised"`
	HeightCM     int    `json:"height_cm"`
	Piercings    string `json:"piercings"`
	Tattoos      string `json:"tattoos"`
	ImagePath    string `json:"image_path"`
	Tags         []Tag  `json:"tags"`
}

type Tag struct {
	Name    string `json:"name"`
	Parents []Tag  `json:"parents"`
}

type File struct {
	ID         string  `json:"id"`
	Path       string  `json:"path"`
	Basename   string  `json:"basename"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Format     string  `json:"format"`
	Duration   float64 `json:"duration"`
	VideoCodec string  `json:"video_codec"`
	AudioCodec string  `json:"audio_codec"`
	FrameRate  float64 `json:"frame_rate"`
	BitRate    int64   `json:"bit_rate"`
	Size       int64   `json:"size"`
}

type Gallery struct {
	Folder *struct {
		Path string `json:"path"`
	} `json:"folder"`
	Files []struct {
		Path string `json:"path"`
	} `json:"files"`
}

type Paths struct {
	Screenshot string `json:"screenshot"`
	Preview    string `json:"preview"`
}

// FileByID returns the file with the given id, or the first file when the
// id is empty or unknown.
func (s *Scene) FileByID(id string) (File, bool) {
	if len(s.Files) == 0 {
		return File{}, false
	}
	for _, f := range s.Files {
		if f.ID == id {
			return f, true
		}
	}
	return s.Files[0], true
}
