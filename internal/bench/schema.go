package bench

// Rule resolves one declared field from a decoded payload. Rules are
// evaluated independently; a rule that finds nothing yields null rather
// than an error.
type Rule interface {
	resolve(doc *document) *string
}

// ScalarRule extracts a top-level scalar by key.
type ScalarRule struct {
	Key string
}

func (r ScalarRule) resolve(doc *document) *string {
	return stringify(doc.scalars[r.Key])
}

// MetricRule extracts a metric value matched by its declared numeric
// identifier, never by label text.
type MetricRule struct {
	MetricID int64
}

func (r MetricRule) resolve(doc *document) *string {
	return stringify(doc.metrics[r.MetricID])
}

// WorkloadRule extracts a workload score matched by the compound
// (section id, workload id) key.
type WorkloadRule struct {
	SectionID  int64
	WorkloadID int64
}

func (r WorkloadRule) resolve(doc *document) *string {
	return stringify(doc.workloads[workloadKey{r.SectionID, r.WorkloadID}])
}

// CachePairRule merges a cache size metric with its count metric.
// Both present: "{count}x {size}". One present: that value verbatim.
// Neither: null.
type CachePairRule struct {
	SizeMetricID  int64
	CountMetricID int64
}

func (r CachePairRule) resolve(doc *document) *string {
	size := stringify(doc.metrics[r.SizeMetricID])
	count := stringify(doc.metrics[r.CountMetricID])
	switch {
	case size != nil && count != nil:
		merged := *count + "x " + *size
		return &merged
	case size != nil:
		return size
	case count != nil:
		return count
	default:
		return nil
	}
}

// FieldSpec pairs a column name with its extraction rule.
type FieldSpec struct {
	Name string
	Rule Rule
}

// Schema is the fixed ordered set of declared output fields. The field
// order defines both the Row value order and the data table column order.
type Schema struct {
	Fields []FieldSpec
}

// ColumnNames returns the declared field names in order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Metric identifiers published by the benchmark service. Fields are matched
// by these ids so upstream label renames cannot break extraction.
const (
	metricPlatform = 1
	metricCompiler = 2
	metricOS       = 3
	metricModel    = 5
	metricRAM      = 29
	metricL1ISize  = 40
	metricL1ICount = 41
	metricL1DSize  = 42
	metricL1DCount = 43
	metricL2Size   = 44
	metricL2Count  = 45
	metricL3Size   = 46
	metricL3Count  = 47
)

// DefaultSchema declares the projection used by the store. The workload
// grid covers the published inference sections: vision (section 1) and
// text (section 2), each workload in single precision, half precision,
// and quantized variants.
func DefaultSchema() Schema {
	fields := []FieldSpec{
		{Name: "date", Rule: ScalarRule{Key: "date"}},
		{Name: "version", Rule: ScalarRule{Key: "version"}},
		{Name: "Platform", Rule: MetricRule{MetricID: metricPlatform}},
		{Name: "Compiler", Rule: MetricRule{MetricID: metricCompiler}},
		{Name: "Operating_System", Rule: MetricRule{MetricID: metricOS}},
		{Name: "Model", Rule: MetricRule{MetricID: metricModel}},
		{Name: "RAM", Rule: MetricRule{MetricID: metricRAM}},
		{Name: "L1_Instruction_Cache", Rule: CachePairRule{SizeMetricID: metricL1ISize, CountMetricID: metricL1ICount}},
		{Name: "L1_Data_Cache", Rule: CachePairRule{SizeMetricID: metricL1DSize, CountMetricID: metricL1DCount}},
		{Name: "L2_Cache", Rule: CachePairRule{SizeMetricID: metricL2Size, CountMetricID: metricL2Count}},
		{Name: "L3_Cache", Rule: CachePairRule{SizeMetricID: metricL3Size, CountMetricID: metricL3Count}},
		{Name: "device_name", Rule: ScalarRule{Key: "device_name"}},
		{Name: "backend_name", Rule: ScalarRule{Key: "backend_name"}},
		{Name: "framework_name", Rule: ScalarRule{Key: "framework_name"}},
		{Name: "f32_score", Rule: ScalarRule{Key: "f32_score"}},
		{Name: "f16_score", Rule: ScalarRule{Key: "f16_score"}},
		{Name: "i8_score", Rule: ScalarRule{Key: "i8_score"}},
	}
	fields = append(fields, workloadFields()...)
	return Schema{Fields: fields}
}

type workloadDecl struct {
	section  int64
	workload int64
	name     string
}

func workloadFields() []FieldSpec {
	decls := []workloadDecl{
		{1, 1111, "Image_Classification_SP"},
		{1, 1112, "Image_Classification_HP"},
		{1, 1113, "Image_Classification_Q"},
		{1, 1121, "Image_Segmentation_SP"},
		{1, 1122, "Image_Segmentation_HP"},
		{1, 1123, "Image_Segmentation_Q"},
		{1, 1131, "Pose_Estimation_SP"},
		{1, 1132, "Pose_Estimation_HP"},
		{1, 1133, "Pose_Estimation_Q"},
		{1, 1141, "Object_Detection_SP"},
		{1, 1142, "Object_Detection_HP"},
		{1, 1143, "Object_Detection_Q"},
		{1, 1151, "Face_Detection_SP"},
		{1, 1152, "Face_Detection_HP"},
		{1, 1153, "Face_Detection_Q"},
		{1, 1161, "Depth_Estimation_SP"},
		{1, 1162, "Depth_Estimation_HP"},
		{1, 1163, "Depth_Estimation_Q"},
		{1, 1171, "Style_Transfer_SP"},
		{1, 1172, "Style_Transfer_HP"},
		{1, 1173, "Style_Transfer_Q"},
		{1, 1181, "Image_Super_Resolution_SP"},
		{1, 1182, "Image_Super_Resolution_HP"},
		{1, 1183, "Image_Super_Resolution_Q"},
		{2, 1211, "Text_Classification_SP"},
		{2, 1212, "Text_Classification_HP"},
		{2, 1213, "Text_Classification_Q"},
		{2, 1221, "Machine_Translation_SP"},
		{2, 1222, "Machine_Translation_HP"},
		{2, 1223, "Machine_Translation_Q"},
	}
	fields := make([]FieldSpec, 0, len(decls))
	for _, d := range decls {
		fields = append(fields, FieldSpec{
			Name: "Workload_" + d.name + "_Score",
			Rule: WorkloadRule{SectionID: d.section, WorkloadID: d.workload},
		})
	}
	return fields
}
