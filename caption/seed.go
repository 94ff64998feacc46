package caption

// Seed distributions for the untrained fallback model, tuned on a
// hand-labeled sample of broadcast frames. Caption characters cluster low
// and centered with tight row geometry; everything else is diffuse. The
// stds are deliberately wide so a handful of real annotations can move
// predictions quickly once training kicks in.
var seedInParams = [NumFeatures]GaussianParams{
	FeatCenterX:          {Mean: 0.50, Std: 0.15},
	FeatCenterY:          {Mean: 0.85, Std: 0.08},
	FeatWidth:            {Mean: 0.030, Std: 0.020},
	FeatHeight:           {Mean: 0.050, Std: 0.025},
	FeatArea:             {Mean: 0.0015, Std: 0.0020},
	FeatAspect:           {Mean: 0.85, Std: 0.40},
	FeatDistLeft:         {Mean: 0.30, Std: 0.18},
	FeatDistRight:        {Mean: 0.30, Std: 0.18},
	FeatDistTop:          {Mean: 0.80, Std: 0.10},
	FeatDistBottom:       {Mean: 0.10, Std: 0.06},
	FeatEdgeMargin:       {Mean: 0.08, Std: 0.05},
	FeatCenterOffset:     {Mean: 0.25, Std: 0.20},
	FeatBandOffset:       {Mean: 0.05, Std: 0.06},
	FeatBandMember:       {Mean: 0.90, Std: 0.20},
	FeatRowAlign:         {Mean: 0.92, Std: 0.10},
	FeatRowHeightRatio:   {Mean: 1.00, Std: 0.15},
	FeatRowSpan:          {Mean: 0.50, Std: 0.20},
	FeatNeighborGapLeft:  {Mean: 0.25, Std: 0.40},
	FeatNeighborGapRight: {Mean: 0.25, Std: 0.40},
	FeatNeighborCount:    {Mean: 0.40, Std: 0.25},
	FeatSizeRatioMedian:  {Mean: 1.00, Std: 0.30},
	FeatHeightZScore:     {Mean: 0.00, Std: 0.80},
	FeatCenterDist:       {Mean: 0.70, Std: 0.15},
	FeatOCRConfidence:    {Mean: 0.85, Std: 0.15},
	FeatPersistence:      {Mean: 0.70, Std: 0.25},
	FeatStability:        {Mean: 0.80, Std: 0.20},
}

var seedOutParams = [NumFeatures]GaussianParams{
	FeatCenterX:          {Mean: 0.50, Std: 0.30},
	FeatCenterY:          {Mean: 0.40, Std: 0.25},
	FeatWidth:            {Mean: 0.050, Std: 0.050},
	FeatHeight:           {Mean: 0.070, Std: 0.060},
	FeatArea:             {Mean: 0.010, Std: 0.020},
	FeatAspect:           {Mean: 1.50, Std: 1.50},
	FeatDistLeft:         {Mean: 0.30, Std: 0.25},
	FeatDistRight:        {Mean: 0.30, Std: 0.25},
	FeatDistTop:          {Mean: 0.35, Std: 0.25},
	FeatDistBottom:       {Mean: 0.55, Std: 0.25},
	FeatEdgeMargin:       {Mean: 0.15, Std: 0.12},
	FeatCenterOffset:     {Mean: 0.45, Std: 0.30},
	FeatBandOffset:       {Mean: 0.35, Std: 0.20},
	FeatBandMember:       {Mean: 0.15, Std: 0.30},
	FeatRowAlign:         {Mean: 0.50, Std: 0.30},
	FeatRowHeightRatio:   {Mean: 1.00, Std: 0.60},
	FeatRowSpan:          {Mean: 0.30, Std: 0.25},
	FeatNeighborGapLeft:  {Mean: 1.50, Std: 1.50},
	FeatNeighborGapRight: {Mean: 1.50, Std: 1.50},
	FeatNeighborCount:    {Mean: 0.15, Std: 0.15},
	FeatSizeRatioMedian:  {Mean: 1.20, Std: 0.90},
	FeatHeightZScore:     {Mean: 0.00, Std: 1.50},
	FeatCenterDist:       {Mean: 0.60, Std: 0.30},
	FeatOCRConfidence:    {Mean: 0.55, Std: 0.25},
	FeatPersistence:      {Mean: 0.35, Std: 0.30},
	FeatStability:        {Mean: 0.50, Std: 0.30},
}

// SeedVersion is the version string stored with the seed model.
const SeedVersion = "v0"

// SeedModel builds the fallback model used before enough annotations exist
// to train, and again whenever a trained model goes stale. Priors are even
// and there is no covariance, so similarity scoring is skipped until the
// first real training run.
//
// When cfg.NumFeatures differs from the built-in extractor's count, the
// hand-tuned distributions do not apply and every feature gets a neutral
// N(0, 1).
func SeedModel(cfg EngineConfig) *Model {
	n := cfg.NumFeatures
	in := make([]GaussianParams, n)
	out := make([]GaussianParams, n)

	if n == NumFeatures {
		copy(in, seedInParams[:])
		copy(out, seedOutParams[:])
	} else {
		for i := 0; i < n; i++ {
			in[i] = GaussianParams{Mean: 0, Std: 1}
			out[i] = GaussianParams{Mean: 0, Std: 1}
		}
	}

	return &Model{
		Version:     SeedVersion,
		NumFeatures: n,
		Seed:        true,
		InParams:    in,
		OutParams:   out,
		PriorIn:     0.5,
		PriorOut:    0.5,
	}
}
