package ai

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

// detectBestProvider определяет лучший ONNX provider для текущей платформы
func detectBestProvider() string {
	// На macOS с Apple Silicon предпочитаем CoreML
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	// На остальных платформах по умолчанию CPU
	return "cpu"
}

// SherpaFrameModelConfig конфигурация sherpa-onnx бэкенда диаризации
type SherpaFrameModelConfig struct {
	SegmentationModelPath string  // модель сегментации (pyannote)
	EmbeddingModelPath    string  // модель эмбеддингов для кластеризации
	SampleRate            int
	FrameSamples          int     // сэмплов на кадр выходной сетки
	FramesPerChunk        int     // кадров в чанке
	NumSpeakers           int     // максимум локальных спикеров
	WindowChunks          int     // размер скользящего окна в чанках
	NumThreads            int
	ClusteringThreshold   float32 // порог кластеризации (0.0-1.0)
	Provider              string  // cpu, cuda, coreml, auto
}

// DefaultSherpaFrameModelConfig возвращает конфигурацию по умолчанию
func DefaultSherpaFrameModelConfig(segmentationPath, embeddingPath string) SherpaFrameModelConfig {
	return SherpaFrameModelConfig{
		SegmentationModelPath: segmentationPath,
		EmbeddingModelPath:    embeddingPath,
		SampleRate:            16000,
		FrameSamples:          1280,
		FramesPerChunk:        16,
		NumSpeakers:           4,
		WindowChunks:          8, // ~10 секунд аудио
		NumThreads:            4,
		ClusteringThreshold:   0.5,
		Provider:              "auto",
	}
}

// frameActivity активность спикеров окна в одном кадре сетки
type frameActivity struct {
	primary   int8 // спикер с наибольшим покрытием кадра, -1 = тишина
	secondary int8 // второй активный спикер (перекрытие), -1 = нет
}

// SherpaFrameModel адаптирует оффлайн-диаризацию sherpa-onnx под потоковый
// контракт FrameModel. Держит скользящее окно аудио, на каждом чанке
// диаризует окно целиком и переводит сегменты в вероятности по кадрам
// последнего чанка.
//
// Оффлайн кластеризация нумерует спикеров заново на каждом окне, поэтому
// номера текущего окна сопоставляются глобальным индексам по перекрытию
// с разметкой предыдущего окна
type SherpaFrameModel struct {
	config   SherpaFrameModelConfig
	diarizer *sherpa.OfflineSpeakerDiarization

	window      []float32 // скользящее окно сэмплов
	fedSamples  int64     // всего сэмплов подано с момента сброса
	prevAssign  []int8    // глобальный спикер по кадрам предыдущего окна, -1 = тишина
	prevBase    int64     // сэмпл начала предыдущего окна
	globalUsed  []bool    // занятые глобальные индексы
	lastLogged  int
	mu          sync.Mutex
	initialized bool
}

// NewSherpaFrameModel создаёт диаризатор на скользящем окне
func NewSherpaFrameModel(config SherpaFrameModelConfig) (*SherpaFrameModel, error) {
	if _, err := os.Stat(config.SegmentationModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("segmentation model not found: %s", config.SegmentationModelPath)
	}
	if _, err := os.Stat(config.EmbeddingModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("embedding model not found: %s", config.EmbeddingModelPath)
	}
	if config.WindowChunks < 2 {
		return nil, fmt.Errorf("window must be at least 2 chunks, got %d", config.WindowChunks)
	}

	provider := config.Provider
	if provider == "auto" || provider == "" {
		provider = detectBestProvider()
	}

	sherpaConfig := &sherpa.OfflineSpeakerDiarizationConfig{
		Segmentation: sherpa.OfflineSpeakerSegmentationModelConfig{
			Pyannote: sherpa.OfflineSpeakerSegmentationPyannoteModelConfig{
				Model: config.SegmentationModelPath,
			},
			NumThreads: config.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Embedding: sherpa.SpeakerEmbeddingExtractorConfig{
			Model:      config.EmbeddingModelPath,
			NumThreads: config.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Clustering: sherpa.FastClusteringConfig{
			NumClusters: -1, // автоматическое определение количества спикеров
			Threshold:   config.ClusteringThreshold,
		},
		MinDurationOn:  0.2,
		MinDurationOff: 0.3,
	}

	diarizer := sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
	if diarizer == nil {
		if provider != "cpu" {
			log.Printf("SherpaFrameModel: %s provider failed, falling back to CPU", provider)
			sherpaConfig.Segmentation.Provider = "cpu"
			sherpaConfig.Embedding.Provider = "cpu"
			diarizer = sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
		}
		if diarizer == nil {
			return nil, fmt.Errorf("failed to create sherpa-onnx diarizer")
		}
	}

	log.Printf("SherpaFrameModel initialized: window=%d chunks, provider=%s",
		config.WindowChunks, provider)

	return &SherpaFrameModel{
		config:      config,
		diarizer:    diarizer,
		globalUsed:  make([]bool, config.NumSpeakers),
		lastLogged:  -1,
		initialized: true,
	}, nil
}

// ResetState очищает окно и привязку спикеров
func (m *SherpaFrameModel) ResetState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = m.window[:0]
	m.fedSamples = 0
	m.prevAssign = nil
	m.prevBase = 0
	for i := range m.globalUsed {
		m.globalUsed[i] = false
	}
}

// Step обрабатывает один чанк PCM16 и возвращает вероятности [кадры][спикеры]
func (m *SherpaFrameModel) Step(chunk []int16) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("frame model not initialized")
	}

	chunkSamples := m.config.FrameSamples * m.config.FramesPerChunk
	if len(chunk) != chunkSamples {
		return nil, fmt.Errorf("chunk must be %d samples, got %d", chunkSamples, len(chunk))
	}

	// Добавляем чанк в окно, старое аудио выталкивается
	m.window = append(m.window, pcm16ToFloat32(chunk)...)
	m.fedSamples += int64(chunkSamples)
	windowCap := m.config.WindowChunks * chunkSamples
	if len(m.window) > windowCap {
		drop := len(m.window) - windowCap
		m.window = append(m.window[:0], m.window[drop:]...)
	}

	// Пока окно короче двух чанков, кластеризация ненадёжна
	if len(m.window) < 2*chunkSamples {
		return m.uniformRows(), nil
	}

	segments := m.diarizer.Process(m.window)

	winBase := m.fedSamples - int64(len(m.window))
	numFrames := len(m.window) / m.config.FrameSamples
	activity := m.rasterize(segments, numFrames)
	assign := m.remapSpeakers(activity, numFrames, winBase)

	if n := countAssigned(assign); n != m.lastLogged {
		log.Printf("SherpaFrameModel: window has %d speakers in %d segments", n, len(segments))
		m.lastLogged = n
	}

	// Разметка окна становится опорной для следующего шага
	global := make([]int8, numFrames)
	for f := 0; f < numFrames; f++ {
		if p := activity[f].primary; p >= 0 {
			global[f] = assign[p]
		} else {
			global[f] = -1
		}
	}
	m.prevAssign = global
	m.prevBase = winBase

	// Вероятности только для кадров последнего чанка
	first := numFrames - m.config.FramesPerChunk
	rows := make([][]float32, m.config.FramesPerChunk)
	for i := range rows {
		rows[i] = m.activityRow(activity[first+i], assign)
	}
	return rows, nil
}

// rasterize раскладывает сегменты диаризации по кадровой сетке окна
func (m *SherpaFrameModel) rasterize(segments []sherpa.OfflineSpeakerDiarizationSegment, numFrames int) []frameActivity {
	activity := make([]frameActivity, numFrames)
	frameSec := float32(m.config.FrameSamples) / float32(m.config.SampleRate)

	coverage := make([]float32, maxSpeakerID(segments)+1)
	for f := 0; f < numFrames; f++ {
		frameStart := float32(f) * frameSec
		frameEnd := frameStart + frameSec
		for i := range coverage {
			coverage[i] = 0
		}
		for _, seg := range segments {
			lo := maxf(frameStart, seg.Start)
			hi := minf(frameEnd, seg.End)
			if hi > lo {
				coverage[seg.Speaker] += hi - lo
			}
		}

		primary, secondary := int8(-1), int8(-1)
		var best, second float32
		for spk, cov := range coverage {
			if cov > best {
				second, secondary = best, primary
				best, primary = cov, int8(spk)
			} else if cov > second {
				second, secondary = cov, int8(spk)
			}
		}
		// Кадр считается речью при покрытии от половины, перекрытием от трети
		if best < frameSec/2 {
			primary = -1
		}
		if second < frameSec/3 {
			secondary = -1
		}
		activity[f] = frameActivity{primary: primary, secondary: secondary}
	}
	return activity
}

// remapSpeakers сопоставляет номера спикеров текущего окна глобальным
// индексам по перекрытию с разметкой предыдущего окна
func (m *SherpaFrameModel) remapSpeakers(activity []frameActivity, numFrames int, winBase int64) []int8 {
	numLocal := 0
	for _, a := range activity {
		if int(a.primary) >= numLocal {
			numLocal = int(a.primary) + 1
		}
		if int(a.secondary) >= numLocal {
			numLocal = int(a.secondary) + 1
		}
	}
	if numLocal == 0 {
		return nil
	}

	counts := make([][]int, numLocal)
	for i := range counts {
		counts[i] = make([]int, m.config.NumSpeakers)
	}

	// Совпадения по кадрам общей части текущего и предыдущего окна
	if m.prevAssign != nil {
		offset := int((winBase - m.prevBase) / int64(m.config.FrameSamples))
		for f := 0; f < numFrames; f++ {
			g := f + offset
			if g < 0 || g >= len(m.prevAssign) {
				continue
			}
			prev := m.prevAssign[g]
			cur := activity[f].primary
			if prev >= 0 && cur >= 0 {
				counts[cur][prev]++
			}
		}
	}

	assign := make([]int8, numLocal)
	for i := range assign {
		assign[i] = -1
	}
	colTaken := make([]bool, m.config.NumSpeakers)

	// Жадное сопоставление по максимуму совпадений
	for {
		bestW, bestG, bestCount := -1, -1, 0
		for w := 0; w < numLocal; w++ {
			if assign[w] >= 0 {
				continue
			}
			for g := 0; g < m.config.NumSpeakers; g++ {
				if !colTaken[g] && counts[w][g] > bestCount {
					bestW, bestG, bestCount = w, g, counts[w][g]
				}
			}
		}
		if bestW < 0 {
			break
		}
		assign[bestW] = int8(bestG)
		colTaken[bestG] = true
		m.globalUsed[bestG] = true
	}

	// Новым спикерам отдаём свободные глобальные индексы
	for w := 0; w < numLocal; w++ {
		if assign[w] >= 0 || !speakerPresent(activity, int8(w)) {
			continue
		}
		free := -1
		for g := 0; g < m.config.NumSpeakers; g++ {
			if !colTaken[g] && !m.globalUsed[g] {
				free = g
				break
			}
		}
		if free < 0 {
			for g := 0; g < m.config.NumSpeakers; g++ {
				if !colTaken[g] {
					free = g
					break
				}
			}
		}
		if free < 0 {
			free = 0
		}
		assign[w] = int8(free)
		colTaken[free] = true
		m.globalUsed[free] = true
	}

	// Остались только спикеры без кадров в окне
	for w := 0; w < numLocal; w++ {
		if assign[w] < 0 {
			assign[w] = 0
		}
	}
	return assign
}

// activityRow переводит активность кадра в вектор вероятностей.
// Одиночный спикер получает доминирующую вероятность, при перекрытии второй
// спикер получает вероятность выше порога definite overlap, тишина даёт
// равномерно низкие значения
func (m *SherpaFrameModel) activityRow(act frameActivity, assign []int8) []float32 {
	n := m.config.NumSpeakers
	row := make([]float32, n)

	if act.primary < 0 || len(assign) == 0 {
		for i := range row {
			row[i] = 1.0 / float32(n)
		}
		return row
	}

	p := int(assign[act.primary])
	if act.secondary >= 0 && assign[act.secondary] != assign[act.primary] {
		s := int(assign[act.secondary])
		rest := float32(0.05)
		if n > 2 {
			rest /= float32(n - 2)
		}
		for i := range row {
			row[i] = rest
		}
		row[p] = 0.55
		row[s] = 0.40
		return row
	}

	rest := float32(0.08)
	if n > 1 {
		rest /= float32(n - 1)
	}
	for i := range row {
		row[i] = rest
	}
	row[p] = 0.92
	return row
}

// uniformRows возвращает кадры без уверенного спикера (прогрев окна)
func (m *SherpaFrameModel) uniformRows() [][]float32 {
	rows := make([][]float32, m.config.FramesPerChunk)
	for i := range rows {
		row := make([]float32, m.config.NumSpeakers)
		for j := range row {
			row[j] = 1.0 / float32(m.config.NumSpeakers)
		}
		rows[i] = row
	}
	return rows
}

// Name возвращает имя бэкенда
func (m *SherpaFrameModel) Name() string {
	return "sherpa"
}

// Close освобождает ресурсы
func (m *SherpaFrameModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.diarizer != nil {
		sherpa.DeleteOfflineSpeakerDiarization(m.diarizer)
		m.diarizer = nil
	}
	m.initialized = false
	log.Printf("SherpaFrameModel closed")
}

func maxSpeakerID(segments []sherpa.OfflineSpeakerDiarizationSegment) int {
	maxID := -1
	for _, seg := range segments {
		if seg.Speaker > maxID {
			maxID = seg.Speaker
		}
	}
	return maxID
}

func speakerPresent(activity []frameActivity, spk int8) bool {
	for _, a := range activity {
		if a.primary == spk || a.secondary == spk {
			return true
		}
	}
	return false
}

func countAssigned(assign []int8) int {
	seen := make(map[int8]bool)
	for _, g := range assign {
		if g >= 0 {
			seen[g] = true
		}
	}
	return len(seen)
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
