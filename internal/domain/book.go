package domain

// BookRecord is one catalog result enriched for the final reply. Absent
// rating data is rendered as zero/omitted, never as a sentinel.
type BookRecord struct {
	Title               string  `json:"title"`
	AuthorName          string  `json:"author_name"`
	BriefDescription    string  `json:"brief_description"`
	NumberOfPagesMedian int     `json:"number_of_pages_median,omitempty"`
	FirstPublishYear    int     `json:"first_publish_year,omitempty"`
	RatingsAverage      float64 `json:"ratings_average,omitempty"`
	RatingsCount        int     `json:"ratings_count,omitempty"`
	RatingsCount1       int     `json:"ratings_count_1,omitempty"`
	RatingsCount2       int     `json:"ratings_count_2,omitempty"`
	RatingsCount3       int     `json:"ratings_count_3,omitempty"`
	RatingsCount4       int     `json:"ratings_count_4,omitempty"`
	RatingsCount5       int     `json:"ratings_count_5,omitempty"`
}
