// =============================================================================
// 📦 测试数据工厂 - 样例文档
// =============================================================================
// 两篇 markdown 文档，章节长度经过挑选：按空白分词计数、ChunkSize 40、
// ChunkOverlap 5 时，每个章节恰好成为一个块（共 7 块）
// =============================================================================
package fixtures

// SampleDocument 待摄取的样例文档
type SampleDocument struct {
	Title    string
	Source   string
	Content  string
	Sections int
}

// 分块参数，与 SampleCorpus 的章节长度配套
const (
	CorpusChunkSize    = 40
	CorpusChunkOverlap = 5
	CorpusChunks       = 7
)

// AcmeOverview 4 个章节
func AcmeOverview() SampleDocument {
	return SampleDocument{
		Title:    "Acme Overview",
		Source:   "docs/acme.md",
		Content:  acmeOverview,
		Sections: 4,
	}
}

// GraphiteRoadmap 3 个章节
func GraphiteRoadmap() SampleDocument {
	return SampleDocument{
		Title:    "Graphite Roadmap",
		Source:   "docs/graphite.md",
		Content:  graphiteRoadmap,
		Sections: 3,
	}
}

// SampleCorpus 返回两篇样例文档
func SampleCorpus() []SampleDocument {
	return []SampleDocument{AcmeOverview(), GraphiteRoadmap()}
}

const acmeOverview = `# Acme Corporation

Alice Smith founded Acme Corporation in Berlin during the spring of 2015. The company started as a small consultancy that helped retailers organize product catalogs and supplier data.

# Graphite Database

Acme Corporation later built Graphite, a graph database for supply chains. Graphite stores suppliers, parts and shipments as connected records so analysts can follow dependencies across many tiers.

# Engineering Team

Bob Jones leads the Graphite engineering team from the Munich office. His group maintains the query planner, the storage engine and the replication protocol used by every production cluster.

# Customers

Globex Logistics adopted Graphite in 2021 to trace delayed shipments. Their analysts report that dependency questions which once took days of spreadsheet work now finish within a few seconds.`

const graphiteRoadmap = `# Vector Search

Graphite added vector search in 2023 so that product descriptions can be matched by meaning. Each description is embedded once and stored next to the graph records it describes.

# Hybrid Retrieval

Carol White designed the hybrid retrieval layer that combines vector similarity with graph traversal. Answers now cite both the matching passage and the relationship path that connects the entities.

# Roadmap

Acme Corporation plans to open a research lab in Lisbon next year. Carol White will lead the lab and study how language models can explain supply chain risks to planners.`
